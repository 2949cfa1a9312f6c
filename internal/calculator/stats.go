// Package calculator holds the pure aggregations over an expense snapshot:
// time-window statistics, per-member summaries and settlement suggestions.
package calculator

import (
	"time"

	"github.com/shopspring/decimal"

	"chitieu/internal/core"
)

// WindowStats is the total and count of expenses inside one window.
type WindowStats struct {
	Total decimal.Decimal
	Count int
}

// Stats holds the today, week-to-date and month-to-date windows computed
// by ComputeStats.
type Stats struct {
	Today WindowStats
	Week  WindowStats
	Month WindowStats
}

func (w *WindowStats) add(amount decimal.Decimal) {
	w.Total = w.Total.Add(amount)
	w.Count++
}

// WeekStart returns the Monday of the week containing today. Weekday
// numbering is Sunday=0, so the offset is (weekday+6)%7.
func WeekStart(today core.Date) core.Date {
	offset := (int(today.Weekday()) + 6) % 7
	return today.AddDays(-offset)
}

// ComputeStats aggregates expenses into today / this week / this month
// windows. Calendar days are taken in now's location. Week and month
// windows are lower-bounded only, so future-dated expenses count there.
func ComputeStats(expenses []core.Expense, now time.Time) Stats {
	today := core.DateOf(now)
	weekStart := WeekStart(today)
	monthStart := core.NewDate(today.Year(), int(today.Month()), 1)

	var s Stats
	for _, e := range expenses {
		if e.ExpenseDate.Equal(today) {
			s.Today.add(e.Amount)
		}
		if !e.ExpenseDate.Before(weekStart) {
			s.Week.add(e.Amount)
		}
		if !e.ExpenseDate.Before(monthStart) {
			s.Month.add(e.Amount)
		}
	}
	return s
}
