package ledger

// Replay folds inputs, in the order given, into a fresh ledger state.
// The same input always yields an identical state.
func Replay(inputs []ReplayInput) State {
	return ReplayFrom(Empty(), inputs)
}

// ReplayFrom folds inputs on top of base. base is copied, never mutated.
func ReplayFrom(base State, inputs []ReplayInput) State {
	balances := make(map[string]int64, len(base.BalancesByCustomer))
	for customerID, balance := range base.BalancesByCustomer {
		balances[customerID] = balance
	}
	entries := make([]Entry, 0, len(base.Entries)+len(inputs))
	entries = append(entries, base.Entries...)

	for _, in := range inputs {
		var entryType EntryType
		switch in.EventType {
		case EventInvoiceFinalized:
			balances[in.CustomerID] += in.Amount
			entryType = EntryDebit
		case EventPaymentRecorded:
			balances[in.CustomerID] -= in.Amount
			entryType = EntryCredit
		default:
			// Not financial; the mapper should have filtered it already.
			continue
		}
		entries = append(entries, Entry{
			EventID:    in.EventID,
			CustomerID: in.CustomerID,
			Amount:     in.Amount,
			OccurredAt: in.OccurredAt,
			Type:       entryType,
		})
	}

	return State{BalancesByCustomer: balances, Entries: entries}
}
