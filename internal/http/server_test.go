package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"chitieu/internal/cache"
	"chitieu/internal/core"
	"chitieu/internal/memory"
	"chitieu/internal/metrics"
	"chitieu/internal/ports"
	"chitieu/internal/services"
)

var fixedNow = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

// failingStore answers every read with err.
type failingStore struct {
	*memory.Store
	err error
}

func (s failingStore) ListExpenses(context.Context, core.Query) ([]core.Expense, error) {
	return nil, s.err
}

func (s failingStore) AllExpenses(context.Context) ([]core.Expense, error) {
	return nil, s.err
}

func (s failingStore) Ping(context.Context) error { return s.err }

func seedExpenses() []core.Expense {
	return []core.Expense{
		{
			ID: "e1", Amount: decimal.NewFromInt(300000), Description: "Đi chợ",
			Payer: "Trí", Consumers: []string{"Trí", "Long", "Đức"},
			ExpenseDate: core.NewDate(2024, 3, 15), CreatedAt: fixedNow.Add(-time.Hour),
		},
		{
			ID: "e2", Amount: decimal.NewFromInt(100000), Description: "Tiền điện",
			Payer: "Long", Consumers: []string{"Long", "Đạt"},
			ExpenseDate: core.NewDate(2024, 2, 20), CreatedAt: fixedNow.AddDate(0, 0, -24),
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, store ports.ExpenseStore, opts Options) *Server {
	t.Helper()
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	opts.Logger = quietLogger()

	svc := services.NewExpenseService(store, services.Options{
		Cache:    cache.NewLRUCache[core.FilterKey, []core.Expense](10, time.Minute),
		Roster:   core.NewRoster(core.DefaultRoster),
		Metrics:  opts.Metrics,
		Location: time.UTC,
		Logger:   opts.Logger,
		Now:      func() time.Time { return fixedNow },
	})

	srv, err := NewServer(":0", svc, opts)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func do(srv *Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

var jsonHeader = map[string]string{"Content-Type": "application/json"}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestIndexAndHealth(t *testing.T) {
	srv := newTestServer(t, memory.New(seedExpenses()...), Options{})

	rr := do(srv, http.MethodGet, "/", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("index status=%d body=%s", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	for _, want := range []string{"Chi tiêu chung", "Đi chợ", "Toàn", "300.000đ", `value="2024-03-15"`} {
		if !strings.Contains(body, want) {
			t.Errorf("index body missing %q", want)
		}
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	if rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing security headers")
	}

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := do(srv, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}

	if rr := do(srv, http.MethodGet, "/nope", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown path status=%d, want 404", rr.Code)
	}
}

func TestExpensesPage(t *testing.T) {
	srv := newTestServer(t, memory.New(seedExpenses()...), Options{})

	q := url.Values{"month": {"3"}, "year": {"2024"}, "payer": {"Trí"}, "consumers": {"Long"}}
	rr := do(srv, http.MethodGet, "/expenses?"+q.Encode(), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	for _, want := range []string{"Đi chợ", "300.000đ", "Tổng (1 khoản)", `value="3"`, `value="Long" checked`} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if strings.Contains(body, "Tiền điện") {
		t.Error("February expense should be filtered out")
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	t.Run("no filter lists everything", func(t *testing.T) {
		rr := do(srv, http.MethodGet, "/expenses", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status=%d", rr.Code)
		}
		if body := rr.Body.String(); !strings.Contains(body, "Tiền điện") || !strings.Contains(body, "Tổng (2 khoản)") {
			t.Errorf("unfiltered page should list both expenses")
		}
	})

	t.Run("invalid month shows the field error", func(t *testing.T) {
		rr := do(srv, http.MethodGet, "/expenses?month=13&year=2024", "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status=%d, want 400", rr.Code)
		}
		body := rr.Body.String()
		for _, want := range []string{"Tháng phải từ 1 đến 12", `value="13"`} {
			if !strings.Contains(body, want) {
				t.Errorf("body missing %q", want)
			}
		}
	})
}

func TestStaticAssets(t *testing.T) {
	srv := newTestServer(t, memory.New(), Options{})

	rr := do(srv, http.MethodGet, "/static/app.css", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if cc := rr.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age=3600") {
		t.Errorf("Cache-Control = %q", cc)
	}
}

func TestReadyzStoreDown(t *testing.T) {
	srv := newTestServer(t, failingStore{Store: memory.New(), err: ports.ErrStoreUnavailable}, Options{})

	rr := do(srv, http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rr.Code)
	}
	got := decode[map[string]any](t, rr)
	if got["status"] != "not_ready" {
		t.Errorf("status field = %v", got["status"])
	}
}

func TestCreateExpenseJSON(t *testing.T) {
	srv := newTestServer(t, memory.New(), Options{})

	body := `{"amount":150000,"description":"  Cà phê ","payer":"Đức","consumers":["Đức","Toàn","Đức"],"date":"2024-03-14"}`
	rr := do(srv, http.MethodPost, "/api/expenses", body, jsonHeader)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	created := decode[expenseResponse](t, rr)
	if created.ID == "" || created.Amount != 150000 || created.Description != "Cà phê" {
		t.Errorf("unexpected record %+v", created)
	}
	if strings.Join(created.Consumers, ",") != "Đức,Toàn" {
		t.Errorf("consumers = %v", created.Consumers)
	}
	if created.ExpenseDate != "2024-03-14" || created.CreatedAt != "2024-03-15T09:30:00Z" {
		t.Errorf("dates = %s / %s", created.ExpenseDate, created.CreatedAt)
	}
	if loc := rr.Header().Get("Location"); loc != "/api/expenses/"+created.ID {
		t.Errorf("Location = %q", loc)
	}

	rr = do(srv, http.MethodGet, "/api/expenses/"+created.ID, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status=%d", rr.Code)
	}
	if got := decode[expenseResponse](t, rr); got.ID != created.ID {
		t.Errorf("get returned %+v", got)
	}

	rr = do(srv, http.MethodGet, "/api/expenses", "", nil)
	list := decode[[]expenseResponse](t, rr)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("list after create = %+v", list)
	}
}

func TestCreateExpenseValidation(t *testing.T) {
	srv := newTestServer(t, memory.New(), Options{})

	tests := []struct {
		name   string
		body   string
		fields []string
	}{
		{
			name:   "everything missing",
			body:   `{}`,
			fields: []string{"amount", "description", "payer", "consumers", "date"},
		},
		{
			name:   "amount below minimum",
			body:   `{"amount":500,"description":"x","payer":"Trí","consumers":["Trí"],"date":"2024-03-01"}`,
			fields: []string{"amount"},
		},
		{
			name:   "fund with members",
			body:   `{"amount":5000,"description":"x","payer":"Quỹ","consumers":["Quỹ","Trí"],"date":"2024-03-01"}`,
			fields: []string{"consumers"},
		},
		{
			name:   "unknown payer and bad date",
			body:   `{"amount":5000,"description":"x","payer":"Bob","consumers":["Trí"],"date":"01/03/2024"}`,
			fields: []string{"payer", "date"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(srv, http.MethodPost, "/api/expenses", tt.body, jsonHeader)
			if rr.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
			resp := decode[errorResponse](t, rr)
			if resp.Error != "validation failed" {
				t.Errorf("error = %q", resp.Error)
			}
			if len(resp.Fields) != len(tt.fields) {
				t.Errorf("fields = %v, want %v", resp.Fields, tt.fields)
			}
			for _, f := range tt.fields {
				if resp.Fields[f] == "" {
					t.Errorf("missing message for %s in %v", f, resp.Fields)
				}
			}
		})
	}

	if rr := do(srv, http.MethodPost, "/api/expenses", `{"amount":`, jsonHeader); rr.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON status=%d, want 400", rr.Code)
	}
	if rr := do(srv, http.MethodPost, "/api/expenses", "", jsonHeader); rr.Code != http.StatusBadRequest {
		t.Errorf("empty body status=%d, want 400", rr.Code)
	}
}

func TestCreateExpenseHTMLForm(t *testing.T) {
	srv := newTestServer(t, memory.New(), Options{})
	header := map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
		"Accept":       "text/html,application/xhtml+xml",
	}

	form := "amount=120.000&description=B%C3%BAn&payer=Tr%C3%AD&consumers=Tr%C3%AD&consumers=Long&date=2024-03-15"
	rr := do(srv, http.MethodPost, "/api/expenses", form, header)
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/?created=1" {
		t.Errorf("Location = %q", loc)
	}

	rr = do(srv, http.MethodGet, "/api/expenses", "", nil)
	list := decode[[]expenseResponse](t, rr)
	if len(list) != 1 || list[0].Amount != 120000 {
		t.Fatalf("list = %+v", list)
	}

	rr = do(srv, http.MethodPost, "/api/expenses", "amount=abc&description=B%C3%BAn&date=2024-03-15", header)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid form status=%d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "Số tiền không hợp lệ") || !strings.Contains(body, `value="Bún"`) {
		t.Errorf("form errors not rendered with submitted values")
	}

	// Without an HTML Accept header a form post gets JSON back
	rr = do(srv, http.MethodPost, "/api/expenses", form, map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	if rr.Code != http.StatusCreated {
		t.Errorf("form without Accept status=%d, want 201", rr.Code)
	}
}

func TestListExpensesFilters(t *testing.T) {
	srv := newTestServer(t, memory.New(seedExpenses()...), Options{})

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"e1", "e2"}},
		{"?month=3&year=2024", []string{"e1"}},
		{"?month=2", []string{"e1", "e2"}},
		{"?payer=Long", []string{"e2"}},
		{"?payer=all", []string{"e1", "e2"}},
		{"?consumers=%C4%90%E1%BA%A1t,Nobody", []string{"e2"}},
		{"?minAmount=200000", []string{"e1"}},
		{"?maxAmount=100000", []string{"e2"}},
		{"?limit=1", []string{"e1"}},
		{"?limit=0", []string{"e1", "e2"}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rr := do(srv, http.MethodGet, "/api/expenses"+tt.query, "", nil)
			if rr.Code != http.StatusOK {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
			list := decode[[]expenseResponse](t, rr)
			var ids []string
			for _, e := range list {
				ids = append(ids, e.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}

	rr := do(srv, http.MethodGet, "/api/expenses", "", nil)
	if cc := rr.Header().Get("Cache-Control"); cc != "private, max-age=60" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if body := strings.TrimSpace(do(srv, http.MethodGet, "/api/expenses?month=1&year=1999", "", nil).Body.String()); body != "[]" {
		t.Errorf("empty result body = %s, want []", body)
	}
}

func TestListExpensesBadQuery(t *testing.T) {
	srv := newTestServer(t, memory.New(), Options{})

	for _, q := range []string{"?month=13&year=2024", "?month=x", "?limit=ten", "?minAmount=lots"} {
		rr := do(srv, http.MethodGet, "/api/expenses"+q, "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s status=%d, want 400", q, rr.Code)
			continue
		}
		if resp := decode[errorResponse](t, rr); len(resp.Fields) == 0 {
			t.Errorf("%s: no field messages", q)
		}
	}
}

func TestAggregationEndpoints(t *testing.T) {
	srv := newTestServer(t, memory.New(seedExpenses()...), Options{})

	rr := do(srv, http.MethodGet, "/api/stats", "", nil)
	if cc := rr.Header().Get("Cache-Control"); cc != "private, max-age=30" {
		t.Errorf("stats Cache-Control = %q", cc)
	}
	stats := decode[statsResponse](t, rr)
	if stats.Today.Total != 300000 || stats.Today.Count != 1 || stats.Month.Count != 1 {
		t.Errorf("stats = %+v", stats)
	}

	summary := decode[[]memberSummaryResponse](t, do(srv, http.MethodGet, "/api/summary", "", nil))
	if len(summary) != 5 || summary[0].Name != "Trí" || summary[0].Balance != 200000 {
		t.Errorf("summary = %+v", summary)
	}

	settlements := decode[[]settlementResponse](t, do(srv, http.MethodGet, "/api/settlements", "", nil))
	var toTri float64
	for _, s := range settlements {
		if s.To == "Trí" {
			toTri += s.Amount
		}
	}
	if toTri != 200000 {
		t.Errorf("settlements to Trí = %v, want 200000 (%+v)", toTri, settlements)
	}

	dash := decode[dashboardResponse](t, do(srv, http.MethodGet, "/api/dashboard", "", nil))
	if dash.Totals.Count != 2 || dash.Totals.Paid != 400000 || !dash.Balanced {
		t.Errorf("dashboard totals = %+v balanced=%v", dash.Totals, dash.Balanced)
	}

	members := decode[membersResponse](t, do(srv, http.MethodGet, "/api/members", "", nil))
	if len(members.Members) != 5 || members.Fund != core.Fund {
		t.Errorf("members = %+v", members)
	}
}

func TestStoreFailureIsGeneric500(t *testing.T) {
	boom := errors.Join(ports.ErrStoreUnavailable, errors.New("disk I/O error"))
	srv := newTestServer(t, failingStore{Store: memory.New(), err: boom}, Options{})

	for _, path := range []string{"/api/expenses", "/api/stats", "/api/summary", "/api/settlements", "/api/dashboard"} {
		rr := do(srv, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("%s status=%d, want 500", path, rr.Code)
			continue
		}
		if strings.Contains(rr.Body.String(), "disk") {
			t.Errorf("%s leaked the store error: %s", path, rr.Body.String())
		}
		if resp := decode[errorResponse](t, rr); resp.Error != "internal error" {
			t.Errorf("%s error = %q", path, resp.Error)
		}
	}

	if rr := do(srv, http.MethodGet, "/", "", nil); rr.Code != http.StatusInternalServerError {
		t.Errorf("index status=%d, want 500", rr.Code)
	}
}

func TestGetExpenseNotFound(t *testing.T) {
	srv := newTestServer(t, memory.New(), Options{})
	if rr := do(srv, http.MethodGet, "/api/expenses/missing", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("status=%d, want 404", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, memory.New(), Options{})
	for _, tt := range []struct{ method, path string }{
		{http.MethodDelete, "/api/expenses"},
		{http.MethodPost, "/api/stats"},
		{http.MethodGet, "/api/cache/clear"},
	} {
		if rr := do(srv, tt.method, tt.path, "", nil); rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status=%d, want 405", tt.method, tt.path, rr.Code)
		}
	}
}

func TestClearCache(t *testing.T) {
	store := memory.New(seedExpenses()...)
	srv := newTestServer(t, store, Options{})

	first := decode[[]expenseResponse](t, do(srv, http.MethodGet, "/api/expenses", "", nil))

	// Write behind the service's back; the cached list is stale until cleared
	e := seedExpenses()[0]
	e.ID, e.ExpenseDate = "e3", core.NewDate(2024, 3, 16)
	if err := store.CreateExpense(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if got := decode[[]expenseResponse](t, do(srv, http.MethodGet, "/api/expenses", "", nil)); len(got) != len(first) {
		t.Fatalf("expected cached result, got %d rows", len(got))
	}

	if rr := do(srv, http.MethodPost, "/api/cache/clear", "", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("clear status=%d", rr.Code)
	}
	if got := decode[[]expenseResponse](t, do(srv, http.MethodGet, "/api/expenses", "", nil)); len(got) != 3 || got[0].ID != "e3" {
		t.Errorf("after clear = %+v", got)
	}
}

func TestRateLimitOnlyPOST(t *testing.T) {
	srv := newTestServer(t, memory.New(), Options{RateLimitPerMinute: 2})
	body := `{"amount":5000,"description":"x","payer":"Trí","consumers":["Trí"],"date":"2024-03-01"}`

	for i := range 2 {
		if rr := do(srv, http.MethodPost, "/api/expenses", body, jsonHeader); rr.Code != http.StatusCreated {
			t.Fatalf("request %d status=%d", i, rr.Code)
		}
	}
	rr := do(srv, http.MethodPost, "/api/expenses", body, jsonHeader)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	for range 5 {
		if rr := do(srv, http.MethodGet, "/api/expenses", "", nil); rr.Code != http.StatusOK {
			t.Fatalf("GET limited: status=%d", rr.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, memory.New(seedExpenses()...), Options{})

	do(srv, http.MethodGet, "/api/stats", "", nil)
	do(srv, http.MethodGet, "/api/expenses?month=13&year=2024", "", nil)

	body := do(srv, http.MethodGet, "/metrics", "", nil).Body.String()
	for _, want := range []string{
		`chitieu_http_requests_total{method="GET",route="/api/stats",status="200"} 1`,
		`chitieu_http_requests_total{method="GET",route="/api/expenses",status="400"} 1`,
		`chitieu_pending_settlements`,
		`chitieu_rate_limited_requests_total 0`,
		`chitieu_suspicious_requests_total 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestNewServerBadProxy(t *testing.T) {
	svc := services.NewExpenseService(memory.New(), services.Options{Logger: quietLogger()})
	if _, err := NewServer(":0", svc, Options{TrustedProxies: []string{"not-a-cidr"}}); err == nil {
		t.Fatal("expected error for invalid trusted proxy")
	}
}

func TestFormatVND(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0đ"},
		{999, "999đ"},
		{1000, "1.000đ"},
		{1250000, "1.250.000đ"},
		{33333.33, "33.333đ"},
		{-66666.67, "-66.667đ"},
		{-0.2, "0đ"},
	}
	for _, tt := range tests {
		if got := formatVND(tt.in); got != tt.want {
			t.Errorf("formatVND(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
