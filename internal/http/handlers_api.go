package http

import (
	"errors"
	"net/http"
	"strings"

	"chitieu/internal/core"
	"chitieu/internal/log"
	"chitieu/internal/ports"
)

// Browser cache lifetimes, in seconds.
const (
	expensesMaxAge = 60
	statsMaxAge    = 30
)

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		writeValidation(w, r, http.StatusBadRequest, err)
		return
	}

	expenses, err := s.svc.ListExpenses(r.Context(), filter)
	if err != nil {
		writeInternal(w, r, log.OpList, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toExpenseList(expenses), expensesMaxAge)
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.GetExpense(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ports.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "expense not found")
	case err != nil:
		writeInternal(w, r, log.OpRead, err)
	default:
		writeJSON(w, r, http.StatusOK, toExpenseResponse(e), 0)
	}
}

// handleCreateExpense accepts JSON or form bodies. Plain HTML form posts
// are redirected back to the dashboard, or re-render it with field errors.
func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	parser := NewRequestBodyParser(w, r)
	if err := parser.Parse(); err != nil {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Malformed expense body",
			log.FieldOperation, log.OpParse, log.FieldError, err)
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	input := parser.ExpenseInput()
	htmlForm := !parser.IsJSON() && acceptsHTML(r)

	e, err := s.svc.CreateExpense(r.Context(), input)
	switch {
	case core.IsValidation(err) && htmlForm:
		s.renderFormErrors(w, r, parser, err)
	case core.IsValidation(err):
		writeValidation(w, r, http.StatusUnprocessableEntity, err)
	case err != nil:
		writeInternal(w, r, log.OpCreate, err)
	case htmlForm:
		http.Redirect(w, r, "/?created=1", http.StatusSeeOther)
	default:
		w.Header().Set("Location", "/api/expenses/"+e.ID)
		writeJSON(w, r, http.StatusCreated, toExpenseResponse(e), 0)
	}
}

func (s *Server) renderFormErrors(w http.ResponseWriter, r *http.Request, p *RequestBodyParser, err error) {
	var verr *core.ValidationError
	errors.As(err, &verr)

	form := indexForm{
		Amount:      p.Get("amount"),
		Description: p.Get("description"),
		Payer:       p.Get("payer"),
		Date:        p.Get("date"),
		Consumers:   map[string]bool{},
	}
	for _, c := range p.GetAll("consumers") {
		form.Consumers[c] = true
	}
	s.renderIndex(w, r, http.StatusUnprocessableEntity, indexPage{Errors: verr.Messages(), Form: form})
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context(), s.svc.Now())
	if err != nil {
		writeInternal(w, r, log.OpStats, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toStatsResponse(stats), statsMaxAge)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.svc.Summary(r.Context())
	if err != nil {
		writeInternal(w, r, log.OpSummary, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toSummaryList(summaries), 0)
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	settlements, err := s.svc.Settlements(r.Context())
	if err != nil {
		writeInternal(w, r, log.OpSettle, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toSettlementList(settlements), 0)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.svc.Dashboard(r.Context(), s.svc.Now())
	if err != nil {
		writeInternal(w, r, log.OpSummary, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toDashboardResponse(dash), 0)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, membersResponse{
		Members: s.svc.Roster().Members(),
		Fund:    core.Fund,
	}, 0)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.svc.ClearCache(r.Context())
	log.FromContext(r.Context()).InfoContext(r.Context(), "Result cache cleared")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}
