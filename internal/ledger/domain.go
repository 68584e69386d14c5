// Package ledger derives per-customer balances and ledger entries from
// financial events.
package ledger

import (
	"errors"
	"time"
)

// ProjectionName identifies the ledger in cursors, logs and metrics.
const ProjectionName = "ledger"

// Financial event types.
const (
	EventInvoiceFinalized = "InvoiceFinalized"
	EventPaymentRecorded  = "PaymentRecorded"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	// EntryDebit is raised by invoices and charges.
	EntryDebit EntryType = "DEBIT"
	// EntryCredit is raised by payments.
	EntryCredit EntryType = "CREDIT"
)

// Entry is one immutable ledger line derived from one financial event.
type Entry struct {
	EventID    string
	CustomerID string
	Amount     int64
	OccurredAt int64
	Type       EntryType
}

// State is the transient result of a replay. Positive balances mean the
// customer owes; negative balances are customer credit.
type State struct {
	BalancesByCustomer map[string]int64
	Entries            []Entry
}

// Empty returns the state before any financial event.
func Empty() State {
	return State{BalancesByCustomer: map[string]int64{}, Entries: []Entry{}}
}

// ReplayInput is a validated financial intent produced by the Mapper.
type ReplayInput struct {
	EventID    string
	EventType  string
	CustomerID string
	Amount     int64
	OccurredAt int64
}

// BalanceRow is the persisted form of one customer balance.
type BalanceRow struct {
	CustomerID string
	Balance    int64
	UpdatedAt  time.Time
}

// ErrNotFound indicates the customer has no financial history yet.
var ErrNotFound = errors.New("ledger: not found")
