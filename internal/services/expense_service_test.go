package services

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"chitieu/internal/cache"
	"chitieu/internal/core"
	"chitieu/internal/memory"
	"chitieu/internal/metrics"
	"chitieu/internal/ports"
)

type fakePublisher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (p *fakePublisher) PublishExpenseCreated(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return p.err
}

// countingStore counts list queries and can be made to fail.
type countingStore struct {
	*memory.Store
	lists atomic.Int32
	fail  error
	block chan struct{}
	// queryErr is ctx.Err() as seen by the last query once unblocked.
	queryErr error
}

func (s *countingStore) ListExpenses(ctx context.Context, q core.Query) ([]core.Expense, error) {
	s.lists.Add(1)
	if s.block != nil {
		<-s.block
	}
	s.queryErr = ctx.Err()
	if s.fail != nil {
		return nil, s.fail
	}
	return s.Store.ListExpenses(ctx, q)
}

func (s *countingStore) AllExpenses(ctx context.Context) ([]core.Expense, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	return s.Store.AllExpenses(ctx)
}

var fixedNow = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, store ports.ExpenseStore, pub Publisher) (*ExpenseService, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	svc := NewExpenseService(store, Options{
		Publisher: pub,
		Cache:     cache.NewLRUCache[core.FilterKey, []core.Expense](10, time.Minute),
		Roster:    core.NewRoster(core.DefaultRoster),
		Metrics:   m,
		Location:  time.UTC,
		Now:       func() time.Time { return fixedNow },
	})
	return svc, m
}

func input(amount int64, payer, date string, consumers ...string) core.ExpenseInput {
	return core.ExpenseInput{
		Amount:      decimal.NewFromInt(amount),
		Description: "Ăn trưa",
		Payer:       payer,
		Consumers:   consumers,
		Date:        date,
	}
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestCreateExpense(t *testing.T) {
	store := memory.New()
	pub := &fakePublisher{}
	svc, m := newTestService(t, store, pub)
	ctx := context.Background()

	e, err := svc.CreateExpense(ctx, input(300000, "Trí", "2024-03-15", "Trí", "Long", "Đức"))
	if err != nil {
		t.Fatalf("CreateExpense() error = %v", err)
	}
	if e.ID == "" {
		t.Fatal("CreateExpense() should assign an id")
	}
	if !e.CreatedAt.Equal(fixedNow) {
		t.Errorf("CreatedAt = %v, want %v", e.CreatedAt, fixedNow)
	}
	if store.Len() != 1 {
		t.Errorf("store has %d expenses, want 1", store.Len())
	}
	if len(pub.ids) != 1 || pub.ids[0] != e.ID {
		t.Errorf("published ids = %v, want [%s]", pub.ids, e.ID)
	}
	if !strings.Contains(scrape(t, m), "chitieu_expenses_created_total 1") {
		t.Error("expenses_created_total should be 1")
	}
}

func TestCreateExpenseValidation(t *testing.T) {
	store := memory.New()
	pub := &fakePublisher{}
	svc, _ := newTestService(t, store, pub)

	_, err := svc.CreateExpense(context.Background(), input(500, "Mai", "2024-13-01"))
	if !core.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verr *core.ValidationError
	errors.As(err, &verr)
	for _, field := range []string{"amount", "payer", "consumers", "date"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Errorf("missing field error for %s", field)
		}
	}
	if store.Len() != 0 || len(pub.ids) != 0 {
		t.Error("invalid input must not be stored or published")
	}
}

func TestCreateExpensePublishFailureIsNotFatal(t *testing.T) {
	store := memory.New()
	pub := &fakePublisher{err: errors.New("broker down")}
	svc, m := newTestService(t, store, pub)

	if _, err := svc.CreateExpense(context.Background(), input(10000, "Long", "2024-03-15", "Long")); err != nil {
		t.Fatalf("publish failure should not fail the create: %v", err)
	}
	if store.Len() != 1 {
		t.Error("expense should still be stored")
	}
	if !strings.Contains(scrape(t, m), "chitieu_event_publish_failures_total 1") {
		t.Error("publish failure should be counted")
	}
}

func TestCreateExpenseWithoutPublisher(t *testing.T) {
	svc := NewExpenseService(memory.New(), Options{})
	if _, err := svc.CreateExpense(context.Background(), input(10000, "Quỹ", "2024-03-15", "Quỹ")); err != nil {
		t.Fatalf("CreateExpense() error = %v", err)
	}
}

func TestListExpensesUsesCache(t *testing.T) {
	store := &countingStore{Store: memory.New()}
	svc, m := newTestService(t, store, nil)
	ctx := context.Background()

	if _, err := svc.CreateExpense(ctx, input(10000, "Trí", "2024-03-10", "Trí")); err != nil {
		t.Fatal(err)
	}

	f, _ := core.NewFilterBuilder().Period(3, 2024).Build()
	first, err := svc.ListExpenses(ctx, f)
	if err != nil {
		t.Fatalf("ListExpenses() error = %v", err)
	}
	second, _ := svc.ListExpenses(ctx, f)
	if store.lists.Load() != 1 {
		t.Errorf("store queried %d times, want 1", store.lists.Load())
	}
	if len(first) != 1 || len(second) != 1 || first[0].ID != second[0].ID {
		t.Errorf("cached result differs: %+v vs %+v", first, second)
	}

	// Callers can't corrupt the cached copy
	first[0].Consumers[0] = "changed"
	third, _ := svc.ListExpenses(ctx, f)
	if third[0].Consumers[0] != "Trí" {
		t.Error("cached rows are shared with callers")
	}

	out := scrape(t, m)
	if !strings.Contains(out, "chitieu_expense_cache_hits_total 2") || !strings.Contains(out, "chitieu_expense_cache_misses_total 1") {
		t.Errorf("unexpected cache counters:\n%s", out)
	}
}

func TestCreateInvalidatesCache(t *testing.T) {
	store := &countingStore{Store: memory.New()}
	svc, _ := newTestService(t, store, nil)
	ctx := context.Background()

	f, _ := core.NewFilterBuilder().Build()
	if got, _ := svc.ListExpenses(ctx, f); len(got) != 0 {
		t.Fatalf("expected empty list, got %d", len(got))
	}
	if _, err := svc.CreateExpense(ctx, input(20000, "Đạt", "2024-03-14", "Đạt", "Toàn")); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.ListExpenses(ctx, f)
	if len(got) != 1 {
		t.Fatalf("list after create = %d rows, want 1", len(got))
	}
	if store.lists.Load() != 2 {
		t.Errorf("store queried %d times, want 2", store.lists.Load())
	}
}

func TestClearCache(t *testing.T) {
	store := &countingStore{Store: memory.New()}
	svc, _ := newTestService(t, store, nil)
	ctx := context.Background()

	f, _ := core.NewFilterBuilder().Payer("Trí").Build()
	svc.ListExpenses(ctx, f)
	svc.ClearCache(ctx)
	svc.ListExpenses(ctx, f)
	if store.lists.Load() != 2 {
		t.Errorf("store queried %d times, want 2", store.lists.Load())
	}
}

func TestListExpensesCoalescesMisses(t *testing.T) {
	store := &countingStore{Store: memory.New(), block: make(chan struct{})}
	svc, _ := newTestService(t, store, nil)
	ctx := context.Background()
	f, _ := core.NewFilterBuilder().Build()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ListExpenses(ctx, f); err != nil {
				t.Errorf("ListExpenses() error = %v", err)
			}
		}()
	}

	// Let the callers pile up on the blocked query
	deadline := time.Now().Add(2 * time.Second)
	for store.lists.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(store.block)
	wg.Wait()

	if n := store.lists.Load(); n < 1 || n > 5 {
		t.Errorf("store queried %d times", n)
	}
}

func TestListExpensesSharedQuerySurvivesCancelledCaller(t *testing.T) {
	seed := memory.New(core.Expense{
		ID: "x1", Amount: decimal.NewFromInt(50000), Description: "Bánh mì",
		Payer: "Long", Consumers: []string{"Long"},
		ExpenseDate: core.NewDate(2024, 3, 14), CreatedAt: fixedNow,
	})
	store := &countingStore{Store: seed, block: make(chan struct{})}
	svc, _ := newTestService(t, store, nil)
	f, _ := core.NewFilterBuilder().Build()

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.ListExpenses(first, f)
		firstErr <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.lists.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	type result struct {
		rows []core.Expense
		err  error
	}
	second := make(chan result, 1)
	go func() {
		rows, err := svc.ListExpenses(context.Background(), f)
		second <- result{rows, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled caller error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller still waiting on the shared query")
	}

	close(store.block)
	res := <-second
	if res.err != nil {
		t.Fatalf("joined caller error = %v", res.err)
	}
	if len(res.rows) != 1 {
		t.Errorf("joined caller got %d rows, want 1", len(res.rows))
	}
	if store.queryErr != nil {
		t.Errorf("store query saw ctx error %v", store.queryErr)
	}
	if n := store.lists.Load(); n != 1 {
		t.Errorf("store queried %d times, want 1", n)
	}
}

func TestListExpensesStoreError(t *testing.T) {
	store := &countingStore{Store: memory.New(), fail: ports.ErrStoreUnavailable}
	svc, _ := newTestService(t, store, nil)

	f, _ := core.NewFilterBuilder().Build()
	_, err := svc.ListExpenses(context.Background(), f)
	if !errors.Is(err, ports.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	// Failures are not cached
	store.fail = nil
	if _, err := svc.ListExpenses(context.Background(), f); err != nil {
		t.Fatalf("ListExpenses() after recovery error = %v", err)
	}
}

func TestAggregations(t *testing.T) {
	store := memory.New()
	svc, _ := newTestService(t, store, nil)
	ctx := context.Background()

	for _, in := range []core.ExpenseInput{
		input(300000, "Trí", "2024-03-15", "Trí", "Long", "Đức"),
		input(60000, "Long", "2024-03-11", "Long", "Trí"),
		input(50000, "Quỹ", "2024-02-20", "Quỹ"),
	} {
		if _, err := svc.CreateExpense(ctx, in); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := svc.Stats(ctx, fixedNow)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Today.Count != 1 || !stats.Today.Total.Equal(decimal.NewFromInt(300000)) {
		t.Errorf("today = %+v", stats.Today)
	}
	if stats.Week.Count != 2 || stats.Month.Count != 2 {
		t.Errorf("week = %+v, month = %+v", stats.Week, stats.Month)
	}

	summary, err := svc.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if len(summary) != 5 || summary[0].Name != "Trí" {
		t.Fatalf("summary = %+v", summary)
	}
	// Trí paid 300000, consumed 100000 + 30000
	if got := summary[0].Balance; got < 169999.99 || got > 170000.01 {
		t.Errorf("Trí balance = %v, want 170000", got)
	}

	settlements, err := svc.Settlements(ctx)
	if err != nil {
		t.Fatalf("Settlements() error = %v", err)
	}
	if len(settlements) != 2 {
		t.Fatalf("settlements = %+v", settlements)
	}
	for _, st := range settlements {
		if st.To != "Trí" {
			t.Errorf("every transfer should go to Trí: %+v", st)
		}
	}

	dash, err := svc.Dashboard(ctx, fixedNow)
	if err != nil {
		t.Fatalf("Dashboard() error = %v", err)
	}
	if dash.Totals.Count != 3 || len(dash.Members) != 5 || len(dash.Settlements) != 2 || !dash.Balanced {
		t.Errorf("dashboard = %+v", dash)
	}
}

func TestAggregationsStoreError(t *testing.T) {
	store := &countingStore{Store: memory.New(), fail: ports.ErrStoreUnavailable}
	svc, _ := newTestService(t, store, nil)
	ctx := context.Background()

	if _, err := svc.Stats(ctx, fixedNow); !errors.Is(err, ports.ErrStoreUnavailable) {
		t.Errorf("Stats() error = %v", err)
	}
	if _, err := svc.Summary(ctx); !errors.Is(err, ports.ErrStoreUnavailable) {
		t.Errorf("Summary() error = %v", err)
	}
	if _, err := svc.Dashboard(ctx, fixedNow); !errors.Is(err, ports.ErrStoreUnavailable) {
		t.Errorf("Dashboard() error = %v", err)
	}
}

func TestGetExpenseNotFound(t *testing.T) {
	svc, _ := newTestService(t, memory.New(), nil)
	if _, err := svc.GetExpense(context.Background(), "nope"); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpenseService_Close(t *testing.T) {
	t.Run("nil publisher", func(t *testing.T) {
		svc := NewExpenseService(memory.New(), Options{})
		if err := svc.Close(); err != nil {
			t.Fatalf("Close should not return error: %v", err)
		}
	})
}
