package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"chitieu/internal/cache"
	"chitieu/internal/calculator"
	"chitieu/internal/core"
	"chitieu/internal/log"
	"chitieu/internal/metrics"
	"chitieu/internal/ports"
)

// listTimeout bounds a shared store query once its callers have gone.
const listTimeout = 10 * time.Second

// Publisher announces stored expenses to downstream consumers.
type Publisher interface {
	PublishExpenseCreated(ctx context.Context, id string) error
}

// Options carries the optional collaborators of ExpenseService. Zero values
// disable the feature: no publisher means no events, no cache means every
// list goes to the store.
type Options struct {
	Publisher Publisher
	Cache     cache.Cache[core.FilterKey, []core.Expense]
	Roster    core.Roster
	Metrics   *metrics.Metrics
	Location  *time.Location
	Logger    *slog.Logger
	Now       func() time.Time
}

// Dashboard is everything the home page shows, computed from one snapshot.
type Dashboard struct {
	Stats       calculator.Stats
	Members     []calculator.MemberSummary
	Settlements []calculator.Settlement
	Totals      calculator.Totals
	Balanced    bool
}

// ExpenseService orchestrates expense operations across the store, the
// result cache and the event publisher.
type ExpenseService struct {
	store     ports.ExpenseStore
	publisher Publisher
	cache     cache.Cache[core.FilterKey, []core.Expense]
	roster    core.Roster
	metrics   *metrics.Metrics
	loc       *time.Location
	now       func() time.Time
	logger    *log.Logger
	events    *log.StructuredLogger

	group singleflight.Group
	// generation is bumped on every invalidation so a list that started
	// before a write never repopulates the cache with stale rows.
	generation atomic.Uint64
}

func NewExpenseService(store ports.ExpenseStore, opts Options) *ExpenseService {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Roster.Members()) == 0 {
		opts.Roster = core.NewRoster(core.DefaultRoster)
	}
	logger := log.Wrap(opts.Logger, log.ComponentExpense)
	return &ExpenseService{
		store:     store,
		publisher: opts.Publisher,
		cache:     opts.Cache,
		roster:    opts.Roster,
		metrics:   opts.Metrics,
		loc:       opts.Location,
		now:       opts.Now,
		logger:    logger,
		events:    log.NewStructuredLogger(logger),
	}
}

// Roster returns the household members (without the Fund).
func (s *ExpenseService) Roster() core.Roster { return s.roster }

// Location is the time zone calendar days are computed in.
func (s *ExpenseService) Location() *time.Location { return s.loc }

// Now is the service clock in its configured location.
func (s *ExpenseService) Now() time.Time { return s.now().In(s.loc) }

// CreateExpense validates input, stores the expense and announces it.
// Validation failures are returned as *core.ValidationError.
func (s *ExpenseService) CreateExpense(ctx context.Context, in core.ExpenseInput) (core.Expense, error) {
	if err := in.Validate(s.roster); err != nil {
		return core.Expense{}, err
	}

	e, err := in.ToExpense(uuid.NewString(), s.now())
	if err != nil {
		return core.Expense{}, err
	}

	// Save to the store first; everything after this is best effort
	if err := s.store.CreateExpense(ctx, e); err != nil {
		return core.Expense{}, fmt.Errorf("save expense: %w", err)
	}

	s.ClearCache(ctx)
	s.metrics.ExpenseCreated()
	s.events.LogExpenseCreated(ctx, e.ID, e.Amount.String(), e.Payer, e.Consumers, e.ExpenseDate.String())

	if err := s.publish(ctx, e.ID); err != nil {
		s.metrics.PublishFailed()
		s.logger.ErrorContext(ctx, "Failed to publish expense.created",
			log.FieldExpenseID, e.ID, log.FieldError, err)
		// Don't fail the request - the expense is stored
	}

	return e, nil
}

func (s *ExpenseService) publish(ctx context.Context, id string) error {
	if s.publisher == nil {
		s.logger.DebugContext(ctx, "No publisher configured, skipping expense.created", log.FieldExpenseID, id)
		return nil
	}
	return s.publisher.PublishExpenseCreated(ctx, id)
}

// ListExpenses returns expenses matching f, newest first. Results are
// served from the cache when possible; concurrent misses for the same
// filter share one store query. Callers own the returned slice.
func (s *ExpenseService) ListExpenses(ctx context.Context, f core.ExpenseFilter) ([]core.Expense, error) {
	key := f.Key()
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, key); ok {
			s.metrics.CacheHit()
			return cloneExpenses(cached), nil
		}
		s.metrics.CacheMiss()
	}

	gen := s.generation.Load()
	ch := s.group.DoChan(string(key)+"@"+strconv.FormatUint(gen, 10), func() (any, error) {
		// The query is shared, so it must outlive whichever caller started it.
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), listTimeout)
		defer cancel()
		rows, err := s.store.ListExpenses(qctx, f.Query())
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []core.Expense{}
		}
		if s.cache != nil && s.generation.Load() == gen {
			s.cache.Set(qctx, key, rows)
		}
		return rows, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("list expenses: %w", ctx.Err())
	}
	if err := res.Err; err != nil {
		s.logger.ErrorContext(ctx, "Failed to list expenses",
			log.FieldFilterKey, string(key), log.FieldError, err)
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	v := res.Val
	return cloneExpenses(v.([]core.Expense)), nil
}

// GetExpense loads one expense by id.
func (s *ExpenseService) GetExpense(ctx context.Context, id string) (core.Expense, error) {
	e, err := s.store.GetExpense(ctx, id)
	if err != nil {
		return core.Expense{}, fmt.Errorf("get expense %s: %w", id, err)
	}
	return e, nil
}

// Stats aggregates the today / week / month windows as of now.
func (s *ExpenseService) Stats(ctx context.Context, now time.Time) (calculator.Stats, error) {
	all, err := s.snapshot(ctx)
	if err != nil {
		return calculator.Stats{}, err
	}
	return calculator.ComputeStats(all, now.In(s.loc)), nil
}

// Summary returns one entry per household member, in roster order.
func (s *ExpenseService) Summary(ctx context.Context) ([]calculator.MemberSummary, error) {
	all, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return calculator.SummarizeMembers(all, s.roster.Members()), nil
}

// Settlements suggests the transfers that zero every member's balance.
func (s *ExpenseService) Settlements(ctx context.Context) ([]calculator.Settlement, error) {
	summaries, err := s.Summary(ctx)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, summaries), nil
}

func (s *ExpenseService) settle(ctx context.Context, summaries []calculator.MemberSummary) []calculator.Settlement {
	if !calculator.IsBalanced(summaries) {
		// Fund-paid expenses legitimately leave a residue
		s.logger.WarnContext(ctx, "Member balances do not net to zero",
			"drift", calculator.NetDrift(summaries), log.FieldOperation, log.OpSettle)
	}
	out := calculator.SettleBalances(summaries)
	s.metrics.SetSettlements(len(out))
	return out
}

// Dashboard computes stats, member summaries, settlements and totals from
// a single read of the store.
func (s *ExpenseService) Dashboard(ctx context.Context, now time.Time) (Dashboard, error) {
	all, err := s.snapshot(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	members := calculator.SummarizeMembers(all, s.roster.Members())
	return Dashboard{
		Stats:       calculator.ComputeStats(all, now.In(s.loc)),
		Members:     members,
		Settlements: s.settle(ctx, members),
		Totals:      calculator.SumTotals(members, len(all)),
		Balanced:    calculator.IsBalanced(members),
	}, nil
}

func (s *ExpenseService) snapshot(ctx context.Context) ([]core.Expense, error) {
	all, err := s.store.AllExpenses(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to read expenses", log.FieldError, err)
		return nil, fmt.Errorf("read expenses: %w", err)
	}
	return all, nil
}

// ClearCache drops every cached list result.
func (s *ExpenseService) ClearCache(ctx context.Context) {
	s.generation.Add(1)
	if s.cache != nil {
		s.cache.Clear(ctx)
	}
}

// Ready reports whether the store answers.
func (s *ExpenseService) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close closes the store and, when it supports it, the publisher.
func (s *ExpenseService) Close() error {
	var errs []error

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}

	if c, ok := s.publisher.(interface{ Close() error }); ok && c != nil {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close expense service: %w", errors.Join(errs...))
	}

	return nil
}

func cloneExpenses(in []core.Expense) []core.Expense {
	out := make([]core.Expense, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
