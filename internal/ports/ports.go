// Package ports declares the interfaces between the expense service and
// its outbound adapters.
package ports

import (
	"context"
	"errors"

	"chitieu/internal/core"
)

var (
	ErrNotFound         = errors.New("expense not found")
	ErrStoreUnavailable = errors.New("expense store unavailable")
	// ErrMirrorRejected marks a mirror failure that retrying will not fix.
	ErrMirrorRejected = errors.New("mirror rejected the expense")
)

type (
	ExpenseWriter interface {
		CreateExpense(ctx context.Context, e core.Expense) error
	}

	// ExpenseLister returns expenses matching q, newest first.
	ExpenseLister interface {
		ListExpenses(ctx context.Context, q core.Query) ([]core.Expense, error)
	}

	ExpenseReader interface {
		GetExpense(ctx context.Context, id string) (core.Expense, error)
		// AllExpenses is the unfiltered snapshot used by the aggregations.
		AllExpenses(ctx context.Context) ([]core.Expense, error)
	}

	Pinger interface {
		Ping(ctx context.Context) error
	}

	ExpenseStore interface {
		ExpenseWriter
		ExpenseLister
		ExpenseReader
		Pinger
		Close() error
	}

	// ExpenseMirror copies a stored expense to an external system and
	// returns a reference to the copy.
	ExpenseMirror interface {
		MirrorExpense(ctx context.Context, e core.Expense) (ref string, err error)
	}
)
