// Package memory is an in-process expense store for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chitieu/internal/core"
	"chitieu/internal/ports"
)

type Store struct {
	mu    sync.RWMutex
	items []core.Expense
}

var _ ports.ExpenseStore = (*Store)(nil)

func New(seed ...core.Expense) *Store {
	s := &Store{}
	for _, e := range seed {
		s.items = append(s.items, e.Clone())
	}
	return s
}

// seedRecord is the JSON shape of a seed file entry.
type seedRecord struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Payer       string          `json:"payer"`
	Consumers   []string        `json:"consumers"`
	Date        string          `json:"date"`
}

// NewFromFile seeds a store from a JSON array of expenses. A missing file
// yields an empty store.
func NewFromFile(path string, roster core.Roster) (*Store, error) {
	if path == "" {
		return New(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var records []seedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}

	now := time.Now()
	s := New()
	for i, r := range records {
		in := core.ExpenseInput{
			Amount:      r.Amount,
			Description: r.Description,
			Payer:       r.Payer,
			Consumers:   r.Consumers,
			Date:        r.Date,
		}
		if err := in.Validate(roster); err != nil {
			return nil, fmt.Errorf("seed record %d: %w", i, err)
		}
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		e, err := in.ToExpense(id, now.Add(time.Duration(i)))
		if err != nil {
			return nil, fmt.Errorf("seed record %d: %w", i, err)
		}
		s.items = append(s.items, e)
	}
	return s, nil
}

func (s *Store) CreateExpense(_ context.Context, e core.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.ID == e.ID {
			return fmt.Errorf("insert expense %s: %w: duplicate id", e.ID, ports.ErrStoreUnavailable)
		}
	}
	s.items = append(s.items, e.Clone())
	return nil
}

func (s *Store) GetExpense(_ context.Context, id string) (core.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.items {
		if e.ID == id {
			return e.Clone(), nil
		}
	}
	return core.Expense{}, fmt.Errorf("%w: %s", ports.ErrNotFound, id)
}

func (s *Store) AllExpenses(ctx context.Context) ([]core.Expense, error) {
	return s.ListExpenses(ctx, core.Query{})
}

// ListExpenses evaluates q in memory with the same ordering as the SQL store.
func (s *Store) ListExpenses(_ context.Context, q core.Query) ([]core.Expense, error) {
	s.mu.RLock()
	out := make([]core.Expense, 0, len(s.items))
	for _, e := range s.items {
		if q.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()

	core.SortExpenses(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Len returns the number of stored expenses.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
