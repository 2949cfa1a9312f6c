package core

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	// Fund is the pseudo-member for communal spending. It is never part of
	// the roster and cannot share an expense with named consumers.
	Fund = "Quỹ"

	AllPayers   = "all"
	AllPayersVI = "Tất cả"

	MaxDescriptionLength = 200
	DateLayout           = "2006-01-02"
)

// MinAmount is the smallest amount accepted on create (whole VND).
var MinAmount = decimal.NewFromInt(1000)

// DefaultRoster is used when MEMBERS is not configured.
var DefaultRoster = []string{"Trí", "Long", "Đức", "Đạt", "Toàn"}

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrAmountTooSmall     = errors.New("amount below minimum")
	ErrEmptyDescription   = errors.New("empty description")
	ErrDescriptionTooLong = errors.New("description too long")
	ErrUnknownPayer       = errors.New("unknown payer")
	ErrNoConsumers        = errors.New("no consumers")
	ErrUnknownConsumer    = errors.New("unknown consumer")
	ErrFundNotExclusive   = errors.New("fund cannot be combined with members")
	ErrInvalidDate        = errors.New("invalid date")
	ErrInvalidMonth       = errors.New("invalid month")
	ErrInvalidYear        = errors.New("invalid year")
	ErrInvalidLimit       = errors.New("invalid limit")
)

type (
	Date struct {
		time.Time
	}

	Expense struct {
		ID          string
		Amount      decimal.Decimal
		Description string
		Payer       string
		Consumers   []string
		ExpenseDate Date
		CreatedAt   time.Time
	}

	// ExpenseInput is an unvalidated create request.
	ExpenseInput struct {
		Amount      decimal.Decimal
		Description string
		Payer       string
		Consumers   []string
		Date        string
	}
)

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar date of t as seen in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, int(m), d)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return Date{Time: t}, nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

func (d Date) AddDays(n int) Date {
	return Date{Time: d.Time.AddDate(0, 0, n)}
}

func (d Date) Equal(o Date) bool {
	return d.Time.Equal(o.Time)
}

func (d Date) Before(o Date) bool {
	return d.Time.Before(o.Time)
}

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int {
	return d.Time.Compare(o.Time)
}

// Roster is the ordered list of real household members.
type Roster struct {
	members []string
}

func NewRoster(members []string) Roster {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" || m == Fund {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return Roster{members: out}
}

// Members returns a copy of the roster in configured order.
func (r Roster) Members() []string {
	return slices.Clone(r.members)
}

func (r Roster) Contains(name string) bool {
	return slices.Contains(r.members, name)
}

// IsParticipant reports whether name may appear as payer or consumer.
func (r Roster) IsParticipant(name string) bool {
	return name == Fund || r.Contains(name)
}

// NormalizeConsumers trims names, drops blanks and collapses duplicates,
// keeping first-seen order.
func NormalizeConsumers(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Validate checks the input against the roster and returns a
// *ValidationError listing every failing field.
func (in ExpenseInput) Validate(r Roster) error {
	verr := &ValidationError{}

	if in.Amount.Sign() <= 0 {
		verr.Add("amount", ErrInvalidAmount)
	} else if in.Amount.LessThan(MinAmount) {
		verr.Add("amount", ErrAmountTooSmall)
	}

	desc := strings.TrimSpace(in.Description)
	switch {
	case desc == "":
		verr.Add("description", ErrEmptyDescription)
	case utf8.RuneCountInString(desc) > MaxDescriptionLength:
		verr.Add("description", ErrDescriptionTooLong)
	}

	if !r.IsParticipant(strings.TrimSpace(in.Payer)) {
		verr.Add("payer", ErrUnknownPayer)
	}

	consumers := NormalizeConsumers(in.Consumers)
	switch {
	case len(consumers) == 0:
		verr.Add("consumers", ErrNoConsumers)
	case slices.Contains(consumers, Fund) && len(consumers) > 1:
		verr.Add("consumers", ErrFundNotExclusive)
	default:
		for _, c := range consumers {
			if !r.IsParticipant(c) {
				verr.Add("consumers", ErrUnknownConsumer)
				break
			}
		}
	}

	if _, err := ParseDate(in.Date); err != nil {
		verr.Add("date", ErrInvalidDate)
	}

	return verr.OrNil()
}

// ToExpense builds the persisted record. The input must already be valid.
func (in ExpenseInput) ToExpense(id string, now time.Time) (Expense, error) {
	date, err := ParseDate(in.Date)
	if err != nil {
		return Expense{}, err
	}
	return Expense{
		ID:          id,
		Amount:      in.Amount,
		Description: strings.TrimSpace(in.Description),
		Payer:       strings.TrimSpace(in.Payer),
		Consumers:   NormalizeConsumers(in.Consumers),
		ExpenseDate: date,
		CreatedAt:   now.UTC(),
	}, nil
}

// Clone returns a deep copy so callers can't alias the consumer slice.
func (e Expense) Clone() Expense {
	e.Consumers = slices.Clone(e.Consumers)
	return e
}

func (e Expense) HasConsumer(name string) bool {
	return slices.Contains(e.Consumers, name)
}
