package docindex

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/verity/internal/eventlog"
)

func docEvent(id, eventType string, occurredAt int64, payload string) eventlog.Envelope {
	return eventlog.Envelope{
		EventID:      id,
		OrgID:        "org-1",
		EventType:    eventType,
		EventVersion: 1,
		OccurredAt:   occurredAt,
		Payload:      json.RawMessage(payload),
	}
}

const invoicePayload = `{"invoiceId":"inv-1","invoiceNumber":"INV-2025-0012","customerId":"c1","customerName":"Acme","documentDate":1735689600000,"totals":{"grandTotal":1180}}`

const challanPayload = `{"challanId":"ch-1","challanNumber":"CH-2025-0007","customerId":"c1","customerName":"Acme","documentDate":1735689600000}`

func TestMapperInvoiceFinalized(t *testing.T) {
	res := NewMapper().Map(docEvent("e1", EventInvoiceFinalized, 10, invoicePayload))
	mapped, ok := res.(Mapped)
	require.True(t, ok, "expected Mapped, got %T", res)
	upsert, ok := mapped.Mutation.(UpsertDocument)
	require.True(t, ok)
	require.Equal(t, Row{
		DocumentID:     "inv-1",
		DocumentType:   DocumentInvoice,
		DocumentNumber: "INV-2025-0012",
		CustomerID:     "c1",
		CustomerName:   "Acme",
		DocumentDate:   1735689600000,
		TotalAmount:    1180,
		Status:         StatusFinalized,
		OrgID:          "org-1",
	}, upsert.Row)
	require.Equal(t, "e1", upsert.EventID)
	require.Equal(t, int64(10), upsert.OccurredAt)
}

func TestMapperChallanIssuedDeclaredValue(t *testing.T) {
	m := NewMapper()

	res := m.Map(docEvent("e1", EventChallanIssued, 10, challanPayload))
	upsert := res.(Mapped).Mutation.(UpsertDocument)
	require.Equal(t, int64(0), upsert.Row.TotalAmount)
	require.Equal(t, StatusIssued, upsert.Row.Status)
	require.Equal(t, DocumentChallan, upsert.Row.DocumentType)

	withValue := `{"challanId":"ch-1","challanNumber":"CH-1","customerId":"c1","customerName":"Acme","documentDate":1,"declaredValue":{"amount":450}}`
	res = m.Map(docEvent("e2", EventChallanIssued, 11, withValue))
	require.Equal(t, int64(450), res.(Mapped).Mutation.(UpsertDocument).Row.TotalAmount)

	emptyValue := `{"challanId":"ch-1","challanNumber":"CH-1","customerId":"c1","customerName":"Acme","documentDate":1,"declaredValue":{}}`
	res = m.Map(docEvent("e3", EventChallanIssued, 12, emptyValue))
	require.Equal(t, int64(0), res.(Mapped).Mutation.(UpsertDocument).Row.TotalAmount)
}

func TestMapperCancellations(t *testing.T) {
	m := NewMapper()

	res := m.Map(docEvent("e1", EventInvoiceCancelled, 10, `{"invoiceId":"inv-1"}`))
	require.Equal(t, UpdateStatus{
		DocumentID:   "inv-1",
		DocumentType: DocumentInvoice,
		Status:       StatusCancelled,
		OccurredAt:   10,
		EventID:      "e1",
	}, res.(Mapped).Mutation)

	res = m.Map(docEvent("e2", EventChallanCancelled, 11, `{"challanId":"ch-1"}`))
	require.Equal(t, DocumentChallan, res.(Mapped).Mutation.(UpdateStatus).DocumentType)
}

func TestMapperNonIndexable(t *testing.T) {
	res := NewMapper().Map(docEvent("e1", "PaymentRecorded", 1, `{"customerId":"c1","amount":5}`))
	require.IsType(t, NonIndexable{}, res)
}

func TestMapperInvalid(t *testing.T) {
	m := NewMapper()
	versioned := docEvent("e1", EventChallanCancelled, 1, `{"challanId":"ch-1"}`)
	versioned.EventVersion = 3

	cases := map[string]struct {
		evt    eventlog.Envelope
		reason string
	}{
		"unsupported version": {evt: versioned, reason: "unsupported ChallanCancelled version=3"},
		"missing grand total": {
			evt:    docEvent("e1", EventInvoiceFinalized, 1, `{"invoiceId":"inv-1","invoiceNumber":"N","customerId":"c1","customerName":"A","documentDate":1,"totals":{}}`),
			reason: "totals.grandTotal (required)",
		},
		"missing totals": {
			evt:    docEvent("e1", EventInvoiceFinalized, 1, `{"invoiceId":"inv-1","invoiceNumber":"N","customerId":"c1","customerName":"A","documentDate":1}`),
			reason: "totals (required)",
		},
		"missing challan id": {
			evt:    docEvent("e1", EventChallanCancelled, 1, `{}`),
			reason: "challanId (required)",
		},
		"wrong field type": {
			evt:    docEvent("e1", EventInvoiceCancelled, 1, `{"invoiceId":42}`),
			reason: "malformed payload",
		},
		"missing document date": {
			evt:    docEvent("e1", EventChallanIssued, 1, `{"challanId":"ch-1","challanNumber":"CH-1","customerId":"c1","customerName":"Acme"}`),
			reason: "documentDate (required)",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res := m.Map(tc.evt)
			inv, ok := res.(Invalid)
			require.True(t, ok, "expected Invalid, got %T", res)
			require.Contains(t, inv.Reason, tc.reason)
		})
	}
}
