package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"chitieu/internal/core"
	"chitieu/internal/ports"

	_ "modernc.org/sqlite"
)

// consumerChunk bounds the number of ids bound into one IN (...) clause.
const consumerChunk = 500

type SQLiteRepository struct {
	db *sql.DB
}

var _ ports.ExpenseStore = (*SQLiteRepository)(nil)

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	version, err := RunMigrations(dbPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Debug("SQLite schema ready", "path", dbPath, "version", version)

	return &SQLiteRepository{db: db}, nil
}

func dsn(path string) string {
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// CreateExpense inserts the expense and its consumers in one transaction.
func (r *SQLiteRepository) CreateExpense(ctx context.Context, e core.Expense) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO expenses (id, amount, description, payer, expense_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Amount.String(), e.Description, e.Payer, e.ExpenseDate.String(), e.CreatedAt.UnixNano())
	if err != nil {
		return unavailable("insert expense", err)
	}

	for i, name := range e.Consumers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO expense_consumers (expense_id, name, position) VALUES (?, ?, ?)`,
			e.ID, name, i); err != nil {
			return unavailable("insert consumer", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit expense", err)
	}

	slog.InfoContext(ctx, "Expense saved to SQLite",
		"id", e.ID,
		"amount", e.Amount.String(),
		"payer", e.Payer,
		"expense_date", e.ExpenseDate.String())

	return nil
}

func (r *SQLiteRepository) GetExpense(ctx context.Context, id string) (core.Expense, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, amount, description, payer, expense_date, created_at FROM expenses WHERE id = ?`, id)

	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Expense{}, fmt.Errorf("%w: %s", ports.ErrNotFound, id)
	}
	if err != nil {
		return core.Expense{}, unavailable("get expense", err)
	}

	out := []core.Expense{e}
	if err := r.loadConsumers(ctx, out); err != nil {
		return core.Expense{}, err
	}
	return out[0], nil
}

func (r *SQLiteRepository) AllExpenses(ctx context.Context) ([]core.Expense, error) {
	return r.ListExpenses(ctx, core.Query{})
}

// ListExpenses renders q as SQL and returns matches newest first.
func (r *SQLiteRepository) ListExpenses(ctx context.Context, q core.Query) ([]core.Expense, error) {
	query, args := buildListQuery(q)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list expenses", err)
	}
	defer rows.Close()

	expenses := make([]core.Expense, 0)
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, unavailable("scan expense", err)
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate expenses", err)
	}

	if err := r.loadConsumers(ctx, expenses); err != nil {
		return nil, err
	}
	return expenses, nil
}

func buildListQuery(q core.Query) (string, []any) {
	var (
		where []string
		args  []any
	)

	if !q.DateFrom.IsZero() {
		where = append(where, "e.expense_date >= ?")
		args = append(args, q.DateFrom.String())
	}
	if !q.DateTo.IsZero() {
		where = append(where, "e.expense_date < ?")
		args = append(args, q.DateTo.String())
	}
	if q.Payer != "" {
		where = append(where, "e.payer = ?")
		args = append(args, q.Payer)
	}
	if len(q.AnyConsumers) > 0 {
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM expense_consumers c WHERE c.expense_id = e.id AND c.name IN (%s))",
			placeholders(len(q.AnyConsumers))))
		for _, name := range q.AnyConsumers {
			args = append(args, name)
		}
	}
	if q.MinAmount.Valid {
		where = append(where, "CAST(e.amount AS REAL) >= ?")
		args = append(args, q.MinAmount.Decimal.InexactFloat64())
	}
	if q.MaxAmount.Valid {
		where = append(where, "CAST(e.amount AS REAL) <= ?")
		args = append(args, q.MaxAmount.Decimal.InexactFloat64())
	}

	var b strings.Builder
	b.WriteString("SELECT e.id, e.amount, e.description, e.payer, e.expense_date, e.created_at FROM expenses e")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY e.expense_date DESC, e.created_at DESC, e.id DESC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return b.String(), args
}

// loadConsumers fills Consumers for each expense, preserving insert order.
func (r *SQLiteRepository) loadConsumers(ctx context.Context, expenses []core.Expense) error {
	if len(expenses) == 0 {
		return nil
	}
	index := make(map[string]int, len(expenses))
	for i, e := range expenses {
		index[e.ID] = i
	}

	for start := 0; start < len(expenses); start += consumerChunk {
		end := min(start+consumerChunk, len(expenses))
		args := make([]any, 0, end-start)
		for _, e := range expenses[start:end] {
			args = append(args, e.ID)
		}

		rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT expense_id, name FROM expense_consumers WHERE expense_id IN (%s) ORDER BY expense_id, position`,
			placeholders(len(args))), args...)
		if err != nil {
			return unavailable("load consumers", err)
		}

		for rows.Next() {
			var id, name string
			if err := rows.Scan(&id, &name); err != nil {
				rows.Close()
				return unavailable("scan consumer", err)
			}
			if i, ok := index[id]; ok {
				expenses[i].Consumers = append(expenses[i].Consumers, name)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return unavailable("iterate consumers", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(s scanner) (core.Expense, error) {
	var (
		e         core.Expense
		amount    string
		date      string
		createdAt int64
	)
	if err := s.Scan(&e.ID, &amount, &e.Description, &e.Payer, &date, &createdAt); err != nil {
		return core.Expense{}, err
	}

	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return core.Expense{}, fmt.Errorf("parse amount of %s: %w", e.ID, err)
	}
	if e.ExpenseDate, err = core.ParseDate(date); err != nil {
		return core.Expense{}, fmt.Errorf("parse date of %s: %w", e.ID, err)
	}
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return e, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ports.ErrStoreUnavailable, err)
}
