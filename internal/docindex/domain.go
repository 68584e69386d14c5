// Package docindex maintains the searchable index of invoices and challans
// derived from document lifecycle events.
package docindex

import (
	"errors"
	"time"
)

// ProjectionName identifies the document index in cursors, logs and metrics.
const ProjectionName = "document_index"

// Document lifecycle event types.
const (
	EventInvoiceFinalized = "InvoiceFinalized"
	EventInvoiceCancelled = "InvoiceCancelled"
	EventChallanIssued    = "ChallanIssued"
	EventChallanCancelled = "ChallanCancelled"
)

// DocumentType classifies an indexed document.
type DocumentType string

const (
	DocumentInvoice DocumentType = "INVOICE"
	DocumentChallan DocumentType = "CHALLAN"
)

// Status is the lifecycle status of an indexed document.
type Status string

const (
	StatusFinalized Status = "FINALIZED"
	StatusIssued    Status = "ISSUED"
	StatusCancelled Status = "CANCELLED"
)

// Row is one indexed document. CustomerName is a snapshot taken when the
// document was finalized or issued.
type Row struct {
	DocumentID     string       `json:"documentId"`
	DocumentType   DocumentType `json:"documentType"`
	DocumentNumber string       `json:"documentNumber"`
	CustomerID     string       `json:"customerId"`
	CustomerName   string       `json:"customerName"`
	DocumentDate   int64        `json:"documentDate"`
	TotalAmount    int64        `json:"totalAmount"`
	Status         Status       `json:"status"`
	OrgID          string       `json:"orgId"`
}

// State is the transient result of a replay keyed by document id.
type State struct {
	DocumentsByID map[string]Row
}

// Empty returns the index before any document event.
func Empty() State {
	return State{DocumentsByID: map[string]Row{}}
}

// StoredRow is a Row as persisted, with the event that last touched it.
type StoredRow struct {
	Row
	LastEventID string    `json:"lastEventId"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ListFilter narrows document listings. Zero fields match everything.
type ListFilter struct {
	DocumentType DocumentType
	Status       Status
	CustomerID   string
	Limit        int
}

var (
	// ErrDocumentNotFound is raised when a status update targets a document
	// that was never indexed.
	ErrDocumentNotFound = errors.New("docindex: document not found")
	// ErrNotFound is returned by reads for unknown document ids.
	ErrNotFound = errors.New("docindex: not found")
)
