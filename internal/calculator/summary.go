package calculator

import (
	"chitieu/internal/core"
)

// MemberSummary is one member's position across all expenses.
type MemberSummary struct {
	Name          string
	TotalPaid     float64
	TotalConsumed float64
	Balance       float64 // Positive = owed money, Negative = owes money
}

// Totals sums a summary set plus the number of expenses it was built from.
type Totals struct {
	Paid     float64
	Consumed float64
	Count    int
}

// ConsumedShare is the even split of an expense among its consumers.
func ConsumedShare(e core.Expense) float64 {
	if len(e.Consumers) == 0 {
		return 0
	}
	return e.Amount.InexactFloat64() / float64(len(e.Consumers))
}

// SummarizeMembers returns one summary per roster member, in roster order.
// Names outside the roster (the Fund included) accumulate nothing.
func SummarizeMembers(expenses []core.Expense, roster []string) []MemberSummary {
	index := make(map[string]int, len(roster))
	out := make([]MemberSummary, len(roster))
	for i, name := range roster {
		out[i] = MemberSummary{Name: name}
		index[name] = i
	}

	for _, e := range expenses {
		if i, ok := index[e.Payer]; ok {
			out[i].TotalPaid += e.Amount.InexactFloat64()
		}
		share := ConsumedShare(e)
		for _, c := range e.Consumers {
			if i, ok := index[c]; ok {
				out[i].TotalConsumed += share
			}
		}
	}

	for i := range out {
		out[i].Balance = out[i].TotalPaid - out[i].TotalConsumed
	}
	return out
}

// SumTotals adds up paid and consumed over summaries.
func SumTotals(summaries []MemberSummary, expenseCount int) Totals {
	t := Totals{Count: expenseCount}
	for _, s := range summaries {
		t.Paid += s.TotalPaid
		t.Consumed += s.TotalConsumed
	}
	return t
}
