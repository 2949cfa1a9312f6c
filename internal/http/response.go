package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chitieu/internal/calculator"
	"chitieu/internal/core"
	"chitieu/internal/log"
	"chitieu/internal/services"
)

type expenseResponse struct {
	ID          string   `json:"id"`
	Amount      float64  `json:"amount"`
	Description string   `json:"description"`
	Payer       string   `json:"payer"`
	Consumers   []string `json:"consumers"`
	ExpenseDate string   `json:"expenseDate"`
	CreatedAt   string   `json:"createdAt"`
}

type windowResponse struct {
	Total float64 `json:"total"`
	Count int     `json:"count"`
}

type statsResponse struct {
	Today windowResponse `json:"today"`
	Week  windowResponse `json:"week"`
	Month windowResponse `json:"month"`
}

type memberSummaryResponse struct {
	Name          string  `json:"name"`
	TotalPaid     float64 `json:"totalPaid"`
	TotalConsumed float64 `json:"totalConsumed"`
	Balance       float64 `json:"balance"`
}

type settlementResponse struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
}

type totalsResponse struct {
	Paid     float64 `json:"paid"`
	Consumed float64 `json:"consumed"`
	Count    int     `json:"count"`
}

type dashboardResponse struct {
	Stats       statsResponse           `json:"stats"`
	Members     []memberSummaryResponse `json:"members"`
	Settlements []settlementResponse    `json:"settlements"`
	Totals      totalsResponse          `json:"totals"`
	Balanced    bool                    `json:"balanced"`
}

type membersResponse struct {
	Members []string `json:"members"`
	Fund    string   `json:"fund"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func toExpenseResponse(e core.Expense) expenseResponse {
	consumers := e.Consumers
	if consumers == nil {
		consumers = []string{}
	}
	return expenseResponse{
		ID:          e.ID,
		Amount:      e.Amount.InexactFloat64(),
		Description: e.Description,
		Payer:       e.Payer,
		Consumers:   consumers,
		ExpenseDate: e.ExpenseDate.String(),
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toExpenseList(es []core.Expense) []expenseResponse {
	out := make([]expenseResponse, 0, len(es))
	for _, e := range es {
		out = append(out, toExpenseResponse(e))
	}
	return out
}

func toWindow(w calculator.WindowStats) windowResponse {
	return windowResponse{Total: w.Total.InexactFloat64(), Count: w.Count}
}

func toStatsResponse(s calculator.Stats) statsResponse {
	return statsResponse{
		Today: toWindow(s.Today),
		Week:  toWindow(s.Week),
		Month: toWindow(s.Month),
	}
}

func toSummaryList(ms []calculator.MemberSummary) []memberSummaryResponse {
	out := make([]memberSummaryResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, memberSummaryResponse{
			Name:          m.Name,
			TotalPaid:     m.TotalPaid,
			TotalConsumed: m.TotalConsumed,
			Balance:       m.Balance,
		})
	}
	return out
}

func toSettlementList(ss []calculator.Settlement) []settlementResponse {
	out := make([]settlementResponse, 0, len(ss))
	for _, s := range ss {
		out = append(out, settlementResponse{From: s.From, To: s.To, Amount: s.Amount})
	}
	return out
}

func toDashboardResponse(d services.Dashboard) dashboardResponse {
	return dashboardResponse{
		Stats:       toStatsResponse(d.Stats),
		Members:     toSummaryList(d.Members),
		Settlements: toSettlementList(d.Settlements),
		Totals: totalsResponse{
			Paid:     d.Totals.Paid,
			Consumed: d.Totals.Consumed,
			Count:    d.Totals.Count,
		},
		Balanced: d.Balanced,
	}
}

// writeJSON encodes v with the given status. maxAge > 0 makes the response
// cacheable by the browser for that many seconds.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any, maxAge int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if maxAge > 0 {
		w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", maxAge))
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to encode response", log.FieldError, err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg}, 0)
}

// writeValidation reports per-field messages. status is 422 for create
// bodies and 400 for query parameters.
func writeValidation(w http.ResponseWriter, r *http.Request, status int, err error) {
	resp := errorResponse{Error: "validation failed", Fields: map[string]string{}}
	var verr *core.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Messages()
	}
	writeJSON(w, r, status, resp, 0)
}

// writeInternal logs err with the request logger and hides it from the client.
func writeInternal(w http.ResponseWriter, r *http.Request, op string, err error) {
	log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
		log.FieldOperation, op, log.FieldError, err)
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

// formatVND formats a whole-dong amount with dot grouping ("1.250.000đ").
func formatVND(amount float64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	digits := fmt.Sprintf("%.0f", amount)

	var b strings.Builder
	if neg && digits != "0" {
		b.WriteByte('-')
	}
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(c)
	}
	b.WriteString("đ")
	return b.String()
}
