package core

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// FilterKey is the normalized cache key of an ExpenseFilter. Two filters
// that select the same rows in the same order share a key.
type FilterKey string

// ExpenseFilter is an immutable, validated list filter. Build one with
// FilterBuilder.
type ExpenseFilter struct {
	month     int
	year      int
	payer     string
	consumers []string
	minAmount decimal.NullDecimal
	maxAmount decimal.NullDecimal
	limit     int
}

func (f ExpenseFilter) Month() int                     { return f.month }
func (f ExpenseFilter) Year() int                      { return f.year }
func (f ExpenseFilter) Payer() string                  { return f.payer }
func (f ExpenseFilter) Consumers() []string            { return slices.Clone(f.consumers) }
func (f ExpenseFilter) Limit() int                     { return f.limit }
func (f ExpenseFilter) HasPeriod() bool                { return f.month != 0 && f.year != 0 }
func (f ExpenseFilter) MinAmount() decimal.NullDecimal { return f.minAmount }
func (f ExpenseFilter) MaxAmount() decimal.NullDecimal { return f.maxAmount }

// Key returns the cache key for this filter.
func (f ExpenseFilter) Key() FilterKey {
	var b strings.Builder
	if f.HasPeriod() {
		fmt.Fprintf(&b, "period=%04d-%02d", f.year, f.month)
	}
	fmt.Fprintf(&b, "|payer=%s|consumers=%s", f.payer, strings.Join(f.consumers, ","))
	if f.minAmount.Valid {
		fmt.Fprintf(&b, "|min=%s", f.minAmount.Decimal.String())
	}
	if f.maxAmount.Valid {
		fmt.Fprintf(&b, "|max=%s", f.maxAmount.Decimal.String())
	}
	fmt.Fprintf(&b, "|limit=%d", f.limit)
	return FilterKey(b.String())
}

// Query renders the filter as a structured query understood by stores.
func (f ExpenseFilter) Query() Query {
	q := Query{
		Payer:        f.payer,
		AnyConsumers: slices.Clone(f.consumers),
		MinAmount:    f.minAmount,
		MaxAmount:    f.maxAmount,
		Limit:        f.limit,
	}
	if f.HasPeriod() {
		q.DateFrom, q.DateTo = MonthRange(f.year, f.month)
	}
	return q
}

// FilterBuilder accumulates filter options and validates them in Build.
type FilterBuilder struct {
	f    ExpenseFilter
	verr ValidationError
}

func NewFilterBuilder() *FilterBuilder {
	return &FilterBuilder{}
}

// Period restricts to one calendar month. Month and year only apply
// together; a zero in either leaves the period unset.
func (b *FilterBuilder) Period(month, year int) *FilterBuilder {
	if month == 0 || year == 0 {
		if month < 0 || month > 12 {
			b.verr.Add("month", ErrInvalidMonth)
		}
		return b
	}
	if month < 1 || month > 12 {
		b.verr.Add("month", ErrInvalidMonth)
		return b
	}
	if year < 1 || year > 9999 {
		b.verr.Add("year", ErrInvalidYear)
		return b
	}
	b.f.month, b.f.year = month, year
	return b
}

// Payer restricts to an exact payer. The "all" sentinels clear it.
func (b *FilterBuilder) Payer(name string) *FilterBuilder {
	name = strings.TrimSpace(name)
	if name == AllPayers || name == AllPayersVI {
		name = ""
	}
	b.f.payer = name
	return b
}

// Consumers restricts to expenses where at least one of names consumed.
func (b *FilterBuilder) Consumers(names ...string) *FilterBuilder {
	c := NormalizeConsumers(names)
	sort.Strings(c)
	b.f.consumers = c
	return b
}

func (b *FilterBuilder) MinAmount(d decimal.Decimal) *FilterBuilder {
	b.f.minAmount = decimal.NewNullDecimal(d)
	return b
}

func (b *FilterBuilder) MaxAmount(d decimal.Decimal) *FilterBuilder {
	b.f.maxAmount = decimal.NewNullDecimal(d)
	return b
}

// Limit caps the result size; n <= 0 means unlimited.
func (b *FilterBuilder) Limit(n int) *FilterBuilder {
	if n < 0 {
		n = 0
	}
	b.f.limit = n
	return b
}

// Fail records a field error found while parsing raw parameters.
func (b *FilterBuilder) Fail(field string, err error) *FilterBuilder {
	b.verr.Add(field, err)
	return b
}

func (b *FilterBuilder) Build() (ExpenseFilter, error) {
	if len(b.verr.Fields) > 0 {
		return ExpenseFilter{}, &ValidationError{Fields: maps.Clone(b.verr.Fields)}
	}
	f := b.f
	f.consumers = slices.Clone(b.f.consumers)
	return f, nil
}

// Query is the explicit predicate handed to a store. Zero dates mean no
// date bound; an empty Payer or AnyConsumers means no restriction.
type Query struct {
	DateFrom     Date // inclusive
	DateTo       Date // exclusive
	Payer        string
	AnyConsumers []string
	MinAmount    decimal.NullDecimal
	MaxAmount    decimal.NullDecimal
	Limit        int
}

// Matches evaluates every predicate except Limit.
func (q Query) Matches(e Expense) bool {
	if !q.DateFrom.IsZero() && e.ExpenseDate.Before(q.DateFrom) {
		return false
	}
	if !q.DateTo.IsZero() && !e.ExpenseDate.Before(q.DateTo) {
		return false
	}
	if q.Payer != "" && e.Payer != q.Payer {
		return false
	}
	if len(q.AnyConsumers) > 0 && !slices.ContainsFunc(q.AnyConsumers, e.HasConsumer) {
		return false
	}
	if q.MinAmount.Valid && e.Amount.LessThan(q.MinAmount.Decimal) {
		return false
	}
	if q.MaxAmount.Valid && e.Amount.GreaterThan(q.MaxAmount.Decimal) {
		return false
	}
	return true
}

// MonthRange returns [first of month, first of next month).
func MonthRange(year, month int) (Date, Date) {
	from := NewDate(year, month, 1)
	return from, Date{Time: from.AddDate(0, 1, 0)}
}

// SortExpenses orders newest first: expense date, then creation time,
// then id, all descending.
func SortExpenses(es []Expense) {
	slices.SortStableFunc(es, func(a, b Expense) int {
		if c := b.ExpenseDate.Compare(a.ExpenseDate); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}
