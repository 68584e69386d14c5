package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/verity/internal/eventlog"
)

func financialEvent(id, eventType string, occurredAt int64, payload string) eventlog.Envelope {
	return eventlog.Envelope{
		EventID:      id,
		OrgID:        "org-1",
		EventType:    eventType,
		EventVersion: 1,
		OccurredAt:   occurredAt,
		Payload:      json.RawMessage(payload),
	}
}

func TestMapperClassifiesNonFinancial(t *testing.T) {
	m := NewMapper()
	res := m.Map(financialEvent("e1", "ChallanIssued", 1, `{}`))
	require.IsType(t, NonFinancial{}, res)
}

func TestMapperFinancial(t *testing.T) {
	m := NewMapper()
	res := m.Map(financialEvent("e1", EventInvoiceFinalized, 10, `{"customerId":"c1","amount":250,"totals":{"grandTotal":250},"extra":true}`))
	fin, ok := res.(Financial)
	require.True(t, ok, "expected Financial, got %T", res)
	require.Equal(t, ReplayInput{
		EventID:    "e1",
		EventType:  EventInvoiceFinalized,
		CustomerID: "c1",
		Amount:     250,
		OccurredAt: 10,
	}, fin.Input)

	res = m.Map(financialEvent("e2", EventPaymentRecorded, 11, `{"customerId":"c1","amount":100}`))
	fin, ok = res.(Financial)
	require.True(t, ok)
	require.Equal(t, int64(100), fin.Input.Amount)
}

func TestMapperInvalid(t *testing.T) {
	m := NewMapper()
	cases := map[string]struct {
		evt    eventlog.Envelope
		reason string
	}{
		"unsupported version": {
			evt:    func() eventlog.Envelope { e := financialEvent("e1", EventInvoiceFinalized, 1, `{"customerId":"c1","amount":1}`); e.EventVersion = 2; return e }(),
			reason: "unsupported eventVersion=2",
		},
		"malformed json": {
			evt:    financialEvent("e1", EventPaymentRecorded, 1, `{"customerId":`),
			reason: "malformed payload",
		},
		"missing amount": {
			evt:    financialEvent("e1", EventPaymentRecorded, 1, `{"customerId":"c1"}`),
			reason: "amount (required)",
		},
		"missing customer": {
			evt:    financialEvent("e1", EventInvoiceFinalized, 1, `{"amount":5}`),
			reason: "customerId (required)",
		},
		"blank customer": {
			evt:    financialEvent("e1", EventInvoiceFinalized, 1, `{"customerId":"  ","amount":5}`),
			reason: "customerId must be non-blank",
		},
		"zero amount": {
			evt:    financialEvent("e1", EventPaymentRecorded, 1, `{"customerId":"c1","amount":0}`),
			reason: "amount must be > 0",
		},
		"negative amount": {
			evt:    financialEvent("e1", EventInvoiceFinalized, 1, `{"customerId":"c1","amount":-4}`),
			reason: "amount must be > 0",
		},
		"grand total mismatch": {
			evt:    financialEvent("e1", EventInvoiceFinalized, 1, `{"customerId":"c1","amount":5,"totals":{"grandTotal":6}}`),
			reason: "does not match totals.grandTotal=6",
		},
		"empty payload": {
			evt:    financialEvent("e1", EventPaymentRecorded, 1, ``),
			reason: "empty payload",
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

func TestMapperIgnoresGrandTotalOnPayments(t *testing.T) {
	m := NewMapper()
	res := m.Map(financialEvent("e1", EventPaymentRecorded, 1, `{"customerId":"c1","amount":5,"totals":{"grandTotal":9}}`))
	require.IsType(t, Financial{}, res)
}
