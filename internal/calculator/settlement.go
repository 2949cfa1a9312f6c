package calculator

import (
	"cmp"
	"math"
	"slices"
)

// SettlementEpsilon is the smallest balance, in currency units, that is
// still worth a transfer. Remainders below it are treated as settled.
const SettlementEpsilon = 0.01

// Settlement is a suggested transfer from a debtor to a creditor.
type Settlement struct {
	From   string
	To     string
	Amount float64
}

type position struct {
	name    string
	balance float64
}

// SettleBalances greedily matches debtors with creditors. Creditors are
// visited largest first and debtors most negative first; the sort is
// stable so equal balances keep input order. The input is not modified.
//
// At most len(creditors)+len(debtors)-1 transfers are emitted, and none
// is <= SettlementEpsilon. Balances that don't net to zero leave the
// remainder unsettled; see NetDrift.
func SettleBalances(summaries []MemberSummary) []Settlement {
	var creditors, debtors []position
	for _, s := range summaries {
		switch {
		case s.Balance > 0:
			creditors = append(creditors, position{s.Name, s.Balance})
		case s.Balance < 0:
			debtors = append(debtors, position{s.Name, -s.Balance})
		}
	}

	slices.SortStableFunc(creditors, func(a, b position) int { return cmp.Compare(b.balance, a.balance) })
	slices.SortStableFunc(debtors, func(a, b position) int { return cmp.Compare(b.balance, a.balance) })

	settlements := make([]Settlement, 0)
	i, j := 0, 0
	for i < len(debtors) && j < len(creditors) {
		debtor, creditor := &debtors[i], &creditors[j]

		amount := math.Min(debtor.balance, creditor.balance)
		if amount > SettlementEpsilon {
			settlements = append(settlements, Settlement{
				From:   debtor.name,
				To:     creditor.name,
				Amount: amount,
			})
		}

		debtor.balance -= amount
		creditor.balance -= amount

		if debtor.balance < SettlementEpsilon {
			i++
		}
		if creditor.balance < SettlementEpsilon {
			j++
		}
	}
	return settlements
}

// NetDrift is the sum of all balances. It is zero, within
// SettlementEpsilon, when every expense was paid and consumed by roster
// members; Fund expenses shift it.
func NetDrift(summaries []MemberSummary) float64 {
	var sum float64
	for _, s := range summaries {
		sum += s.Balance
	}
	return sum
}

// IsBalanced reports whether the balances net to zero within SettlementEpsilon.
func IsBalanced(summaries []MemberSummary) bool {
	return math.Abs(NetDrift(summaries)) <= SettlementEpsilon
}
