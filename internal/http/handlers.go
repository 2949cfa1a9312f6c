package http

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"chitieu/internal/core"
	"chitieu/internal/log"
)

var templateFuncs = template.FuncMap{
	"vnd":  formatVND,
	"join": strings.Join,
}

// indexPage is the data rendered by templates/index.html.
type indexPage struct {
	Today       string
	Dashboard   dashboardResponse
	Recent      []expenseResponse
	Members     []string
	Fund        string
	MinAmount   int64
	Created     bool
	Errors      map[string]string
	Form        indexForm
	CurrentYear int
}

// indexForm echoes submitted values back after a failed create.
type indexForm struct {
	Amount      string
	Description string
	Payer       string
	Consumers   map[string]bool
	Date        string
}

// recentLimit is how many expenses the dashboard lists.
const recentLimit = 20

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}, 0)
}

// handleReady performs readiness check with dependency verification
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]any)

	if s.templates == nil {
		checks["templates"] = "failed: templates not loaded"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["templates"] = "ok"
	}

	if err := s.svc.Ready(ctx); err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Readiness check failed", log.FieldError, err)
		checks["storage"] = "failed"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["storage"] = "ok"
	}

	checks["rate_limiter"] = map[string]any{
		"active_clients": s.limiter.ActiveClients(),
		"status":         "ok",
	}

	writeJSON(w, r, httpStatus, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}, 0)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	now := s.svc.Now()
	page := indexPage{
		Created: r.URL.Query().Get("created") == "1",
		Form: indexForm{
			Date:      core.DateOf(now).String(),
			Consumers: map[string]bool{},
		},
	}
	s.renderIndex(w, r, http.StatusOK, page)
}

// renderIndex fills the dashboard parts of page and writes it with status.
func (s *Server) renderIndex(w http.ResponseWriter, r *http.Request, status int, page indexPage) {
	ctx := r.Context()
	now := s.svc.Now()

	dash, err := s.svc.Dashboard(ctx, now)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	filter, err := core.NewFilterBuilder().Limit(recentLimit).Build()
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	recent, err := s.svc.ListExpenses(ctx, filter)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	page.Today = core.DateOf(now).String()
	page.CurrentYear = now.Year()
	page.Dashboard = toDashboardResponse(dash)
	page.Recent = toExpenseList(recent)
	page.Members = s.svc.Roster().Members()
	page.Fund = core.Fund
	page.MinAmount = core.MinAmount.IntPart()

	s.renderPage(w, r, status, "index.html", page)
}

// expensesPage is the data rendered by templates/expenses.html.
type expensesPage struct {
	Filter      expensesFilterForm
	Members     []string
	Fund        string
	Expenses    []expenseResponse
	Total       float64
	Errors      map[string]string
	CurrentYear int
}

// expensesFilterForm echoes the query back into the filter form.
type expensesFilterForm struct {
	Month     string
	Year      string
	Payer     string
	Consumers map[string]bool
}

// handleExpensesPage lists expenses matching the month, year, payer and
// consumers in the query string.
func (s *Server) handleExpensesPage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page := expensesPage{
		Filter: expensesFilterForm{
			Month:     query.Get("month"),
			Year:      query.Get("year"),
			Payer:     query.Get("payer"),
			Consumers: map[string]bool{},
		},
		Members:     s.svc.Roster().Members(),
		Fund:        core.Fund,
		CurrentYear: s.svc.Now().Year(),
	}
	for _, c := range splitList(query["consumers"]) {
		page.Filter.Consumers[c] = true
	}

	filter, err := ParseFilter(query)
	if err != nil {
		var verr *core.ValidationError
		if !errors.As(err, &verr) {
			s.renderError(w, r, err)
			return
		}
		page.Errors = verr.Messages()
		s.renderPage(w, r, http.StatusBadRequest, "expenses.html", page)
		return
	}

	expenses, err := s.svc.ListExpenses(r.Context(), filter)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	total := decimal.Zero
	for _, e := range expenses {
		total = total.Add(e.Amount)
	}
	page.Expenses = toExpenseList(expenses)
	page.Total = total.InexactFloat64()
	s.renderPage(w, r, http.StatusOK, "expenses.html", page)
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	ctx := r.Context()

	// Render into a buffer so a template error never leaves a half page.
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.renderError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Failed writing page", log.FieldError, err)
	}
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to render page",
		log.FieldOperation, log.OpRender, log.FieldError, err)
	http.Error(w, "Đã xảy ra lỗi, vui lòng thử lại sau.", http.StatusInternalServerError)
}
