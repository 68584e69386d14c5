package docindex

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/verity/internal/eventlog"
	"github.com/odyssey-erp/verity/internal/projection"
)

// Mutation is the closed set of index changes: UpsertDocument or
// UpdateStatus.
type Mutation interface {
	DocumentKey() string
	Position() projection.Cursor
	isMutation()
}

// UpsertDocument inserts or fully replaces a document row.
type UpsertDocument struct {
	Row        Row
	OccurredAt int64
	EventID    string
}

// UpdateStatus changes the status of an already indexed document.
type UpdateStatus struct {
	DocumentID   string
	DocumentType DocumentType
	Status       Status
	OccurredAt   int64
	EventID      string
}

func (m UpsertDocument) DocumentKey() string { return m.Row.DocumentID }
func (m UpdateStatus) DocumentKey() string   { return m.DocumentID }

func (m UpsertDocument) Position() projection.Cursor {
	return projection.Cursor{OccurredAt: m.OccurredAt, EventID: m.EventID}
}

func (m UpdateStatus) Position() projection.Cursor {
	return projection.Cursor{OccurredAt: m.OccurredAt, EventID: m.EventID}
}

func (UpsertDocument) isMutation() {}
func (UpdateStatus) isMutation()   {}

// MappingResult is the closed set of outcomes of mapping one event:
// NonIndexable, Mapped or Invalid.
type MappingResult interface {
	isMappingResult()
}

// NonIndexable marks an event the index does not care about.
type NonIndexable struct{}

// Mapped carries the mutation derived from a document event.
type Mapped struct {
	Mutation Mutation
}

// Invalid marks a document event that cannot be applied.
type Invalid struct {
	Reason string
}

func (NonIndexable) isMappingResult() {}
func (Mapped) isMappingResult()       {}
func (Invalid) isMappingResult()      {}

const supportedVersion = 1

type invoiceFinalizedV1 struct {
	InvoiceID     *string `json:"invoiceId" validate:"required"`
	InvoiceNumber *string `json:"invoiceNumber" validate:"required"`
	CustomerID    *string `json:"customerId" validate:"required"`
	CustomerName  *string `json:"customerName" validate:"required"`
	DocumentDate  *int64  `json:"documentDate" validate:"required"`
	Totals        *struct {
		GrandTotal *int64 `json:"grandTotal" validate:"required"`
	} `json:"totals" validate:"required"`
}

type invoiceCancelledV1 struct {
	InvoiceID *string `json:"invoiceId" validate:"required"`
}

type challanIssuedV1 struct {
	ChallanID     *string `json:"challanId" validate:"required"`
	ChallanNumber *string `json:"challanNumber" validate:"required"`
	CustomerID    *string `json:"customerId" validate:"required"`
	CustomerName  *string `json:"customerName" validate:"required"`
	DocumentDate  *int64  `json:"documentDate" validate:"required"`
	DeclaredValue *struct {
		Amount *int64 `json:"amount"`
	} `json:"declaredValue"`
}

type challanCancelledV1 struct {
	ChallanID *string `json:"challanId" validate:"required"`
}

// Mapper translates raw events into index mutations. It is stateless and
// safe for concurrent use.
type Mapper struct {
	validate *validator.Validate
}

// NewMapper constructs the document event mapper.
func NewMapper() *Mapper {
	return &Mapper{validate: projection.NewPayloadValidator()}
}

// Map classifies evt by its type and validates document payloads.
func (m *Mapper) Map(evt eventlog.Envelope) MappingResult {
	switch evt.EventType {
	case EventInvoiceFinalized, EventInvoiceCancelled, EventChallanIssued, EventChallanCancelled:
	default:
		return NonIndexable{}
	}
	if evt.EventVersion != supportedVersion {
		return Invalid{Reason: fmt.Sprintf("unsupported %s version=%d", evt.EventType, evt.EventVersion)}
	}

	switch evt.EventType {
	case EventInvoiceFinalized:
		var p invoiceFinalizedV1
		if err := projection.DecodePayload(m.validate, evt.Payload, &p); err != nil {
			return invalidPayload(evt, err)
		}
		return Mapped{Mutation: UpsertDocument{
			Row: Row{
				DocumentID:     *p.InvoiceID,
				DocumentType:   DocumentInvoice,
				DocumentNumber: *p.InvoiceNumber,
				CustomerID:     *p.CustomerID,
				CustomerName:   *p.CustomerName,
				DocumentDate:   *p.DocumentDate,
				TotalAmount:    *p.Totals.GrandTotal,
				Status:         StatusFinalized,
				OrgID:          evt.OrgID,
			},
			OccurredAt: evt.OccurredAt,
			EventID:    evt.EventID,
		}}
	case EventInvoiceCancelled:
		var p invoiceCancelledV1
		if err := projection.DecodePayload(m.validate, evt.Payload, &p); err != nil {
			return invalidPayload(evt, err)
		}
		return Mapped{Mutation: UpdateStatus{
			DocumentID:   *p.InvoiceID,
			DocumentType: DocumentInvoice,
			Status:       StatusCancelled,
			OccurredAt:   evt.OccurredAt,
			EventID:      evt.EventID,
		}}
	case EventChallanIssued:
		var p challanIssuedV1
		if err := projection.DecodePayload(m.validate, evt.Payload, &p); err != nil {
			return invalidPayload(evt, err)
		}
		var declared int64
		if p.DeclaredValue != nil && p.DeclaredValue.Amount != nil {
			declared = *p.DeclaredValue.Amount
		}
		return Mapped{Mutation: UpsertDocument{
			Row: Row{
				DocumentID:     *p.ChallanID,
				DocumentType:   DocumentChallan,
				DocumentNumber: *p.ChallanNumber,
				CustomerID:     *p.CustomerID,
				CustomerName:   *p.CustomerName,
				DocumentDate:   *p.DocumentDate,
				TotalAmount:    declared,
				Status:         StatusIssued,
				OrgID:          evt.OrgID,
			},
			OccurredAt: evt.OccurredAt,
			EventID:    evt.EventID,
		}}
	default:
		var p challanCancelledV1
		if err := projection.DecodePayload(m.validate, evt.Payload, &p); err != nil {
			return invalidPayload(evt, err)
		}
		return Mapped{Mutation: UpdateStatus{
			DocumentID:   *p.ChallanID,
			DocumentType: DocumentChallan,
			Status:       StatusCancelled,
			OccurredAt:   evt.OccurredAt,
			EventID:      evt.EventID,
		}}
	}
}

func invalidPayload(evt eventlog.Envelope, err error) Invalid {
	return Invalid{Reason: fmt.Sprintf("invalid %s payload: %v", evt.EventType, err)}
}
