package ledger

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/verity/internal/eventlog"
	"github.com/odyssey-erp/verity/internal/projection"
)

// MappingResult is the closed set of outcomes of mapping one event:
// NonFinancial, Financial or Invalid.
type MappingResult interface {
	isMappingResult()
}

// NonFinancial marks an event the ledger does not care about.
type NonFinancial struct{}

// Financial carries the replay input derived from a financial event.
type Financial struct {
	Input ReplayInput
}

// Invalid marks a financial event that cannot be applied.
type Invalid struct {
	Reason string
}

func (NonFinancial) isMappingResult() {}
func (Financial) isMappingResult()    {}
func (Invalid) isMappingResult()      {}

const supportedVersion = 1

type invoiceTotals struct {
	GrandTotal *int64 `json:"grandTotal"`
}

type financialPayloadV1 struct {
	CustomerID *string        `json:"customerId" validate:"required"`
	Amount     *int64         `json:"amount" validate:"required"`
	Totals     *invoiceTotals `json:"totals"`
}

// Mapper translates raw events into ledger replay inputs. It is stateless
// and safe for concurrent use.
type Mapper struct {
	validate *validator.Validate
}

// NewMapper constructs the financial event mapper.
func NewMapper() *Mapper {
	return &Mapper{validate: projection.NewPayloadValidator()}
}

// Map classifies evt by its type and validates financial payloads.
func (m *Mapper) Map(evt eventlog.Envelope) MappingResult {
	switch evt.EventType {
	case EventInvoiceFinalized, EventPaymentRecorded:
		return m.mapFinancial(evt)
	default:
		return NonFinancial{}
	}
}

func (m *Mapper) mapFinancial(evt eventlog.Envelope) MappingResult {
	if evt.EventVersion != supportedVersion {
		return Invalid{Reason: fmt.Sprintf("unsupported eventVersion=%d for eventType=%s", evt.EventVersion, evt.EventType)}
	}
	var payload financialPayloadV1
	if err := projection.DecodePayload(m.validate, evt.Payload, &payload); err != nil {
		return Invalid{Reason: fmt.Sprintf("invalid payload for eventType=%s: %v", evt.EventType, err)}
	}
	if strings.TrimSpace(*payload.CustomerID) == "" {
		return Invalid{Reason: fmt.Sprintf("customerId must be non-blank for eventType=%s", evt.EventType)}
	}
	if *payload.Amount <= 0 {
		return Invalid{Reason: fmt.Sprintf("amount must be > 0 for eventType=%s", evt.EventType)}
	}
	if evt.EventType == EventInvoiceFinalized && payload.Totals != nil && payload.Totals.GrandTotal != nil &&
		*payload.Totals.GrandTotal != *payload.Amount {
		return Invalid{Reason: fmt.Sprintf("amount=%d does not match totals.grandTotal=%d for eventType=%s",
			*payload.Amount, *payload.Totals.GrandTotal, evt.EventType)}
	}
	return Financial{Input: ReplayInput{
		EventID:    evt.EventID,
		EventType:  evt.EventType,
		CustomerID: *payload.CustomerID,
		Amount:     *payload.Amount,
		OccurredAt: evt.OccurredAt,
	}}
}
