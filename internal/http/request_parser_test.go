package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"chitieu/internal/core"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name      string
		query     url.Values
		wantMonth int
		wantYear  int
		wantPayer string
		wantCons  []string
		wantLimit int
		wantMin   string
	}{
		{
			name:  "empty",
			query: url.Values{},
		},
		{
			name:      "period",
			query:     url.Values{"month": {"12"}, "year": {"2024"}},
			wantMonth: 12,
			wantYear:  2024,
		},
		{
			name:  "month alone is ignored",
			query: url.Values{"month": {"6"}},
		},
		{
			name:  "year alone is ignored",
			query: url.Values{"year": {"2024"}},
		},
		{
			name:      "payer sentinel",
			query:     url.Values{"payer": {"Tất cả"}},
			wantPayer: "",
		},
		{
			name:      "payer",
			query:     url.Values{"payer": {" Long "}},
			wantPayer: "Long",
		},
		{
			name:     "consumers repeated and comma separated",
			query:    url.Values{"consumers": {"Toàn, Trí", "Trí", " "}},
			wantCons: []string{"Toàn", "Trí"},
		},
		{
			name:      "negative limit is unlimited",
			query:     url.Values{"limit": {"-3"}},
			wantLimit: 0,
		},
		{
			name:      "limit",
			query:     url.Values{"limit": {"25"}},
			wantLimit: 25,
		},
		{
			name:    "min amount",
			query:   url.Values{"minAmount": {"50000"}},
			wantMin: "50000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilter(tt.query)
			if err != nil {
				t.Fatalf("ParseFilter() error = %v", err)
			}
			if f.Month() != tt.wantMonth || f.Year() != tt.wantYear {
				t.Errorf("period = %d/%d, want %d/%d", f.Month(), f.Year(), tt.wantMonth, tt.wantYear)
			}
			if f.Payer() != tt.wantPayer {
				t.Errorf("payer = %q, want %q", f.Payer(), tt.wantPayer)
			}
			if strings.Join(f.Consumers(), ",") != strings.Join(tt.wantCons, ",") {
				t.Errorf("consumers = %v, want %v", f.Consumers(), tt.wantCons)
			}
			if f.Limit() != tt.wantLimit {
				t.Errorf("limit = %d, want %d", f.Limit(), tt.wantLimit)
			}
			if tt.wantMin != "" && (!f.MinAmount().Valid || f.MinAmount().Decimal.String() != tt.wantMin) {
				t.Errorf("minAmount = %v, want %s", f.MinAmount(), tt.wantMin)
			}
		})
	}
}

func TestParseFilterErrors(t *testing.T) {
	tests := []struct {
		name  string
		query url.Values
		field string
	}{
		{"month out of range", url.Values{"month": {"13"}, "year": {"2024"}}, "month"},
		{"month not a number", url.Values{"month": {"march"}, "year": {"2024"}}, "month"},
		{"year not a number", url.Values{"month": {"3"}, "year": {"twenty"}}, "year"},
		{"limit not a number", url.Values{"limit": {"many"}}, "limit"},
		{"max amount not a number", url.Values{"maxAmount": {"lots"}}, "maxAmount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFilter(tt.query)
			var verr *core.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Errorf("fields = %v, want %s", verr.Fields, tt.field)
			}
		})
	}
}

func newBodyRequest(body, contentType string) (*httptest.ResponseRecorder, *http.Request) {
	req := httptest.NewRequest(http.MethodPost, "/api/expenses", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return httptest.NewRecorder(), req
}

func TestRequestBodyParser_JSON(t *testing.T) {
	w, r := newBodyRequest(`{"amount":"150000","description":"Ăn\u0007 tối","payer":"Trí","consumers":["Trí","Long, Đức"],"expenseDate":"2024-03-01"}`, "application/json")
	p := NewRequestBodyParser(w, r)
	if err := p.Parse(); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !p.IsJSON() {
		t.Fatal("expected JSON body")
	}

	in := p.ExpenseInput()
	if in.Amount.String() != "150000" {
		t.Errorf("amount = %s", in.Amount)
	}
	if in.Description != "Ăn tối" {
		t.Errorf("description = %q, control characters should be stripped", in.Description)
	}
	if strings.Join(in.Consumers, "|") != "Trí|Long|Đức" {
		t.Errorf("consumers = %v", in.Consumers)
	}
	if in.Date != "2024-03-01" {
		t.Errorf("date = %q, expenseDate should be accepted", in.Date)
	}
}

func TestRequestBodyParser_Form(t *testing.T) {
	w, r := newBodyRequest("amount=1.250.000&description=Thu%C3%AA+nh%C3%A0&payer=Long&consumers=Long&consumers=%C4%90%E1%BA%A1t&date=2024-03-01", "application/x-www-form-urlencoded")
	p := NewRequestBodyParser(w, r)
	if err := p.Parse(); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.IsJSON() {
		t.Fatal("form body parsed as JSON")
	}

	in := p.ExpenseInput()
	if in.Amount.String() != "1250000" {
		t.Errorf("amount = %s", in.Amount)
	}
	if in.Description != "Thuê nhà" || in.Payer != "Long" {
		t.Errorf("input = %+v", in)
	}
	if strings.Join(in.Consumers, "|") != "Long|Đạt" {
		t.Errorf("consumers = %v", in.Consumers)
	}
}

func TestRequestBodyParser_Errors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
	}{
		{"empty", "", "application/json"},
		{"whitespace", "   ", ""},
		{"bad json", `{"amount":`, "application/json"},
		{"json array", `[1,2]`, "application/json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, r := newBodyRequest(tt.body, tt.contentType)
			if err := NewRequestBodyParser(w, r).Parse(); err == nil {
				t.Error("expected parse error")
			}
		})
	}

	t.Run("too large", func(t *testing.T) {
		big := `{"description":"` + strings.Repeat("a", maxBodyBytes) + `"}`
		w, r := newBodyRequest(big, "application/json")
		if err := NewRequestBodyParser(w, r).Parse(); err == nil {
			t.Error("expected error for oversized body")
		}
	})
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"150000", "150000", false},
		{"150.000", "150000", false},
		{"1,250,000", "1250000", false},
		{"1.250.000đ", "1250000", false},
		{" 20000 ₫", "20000", false},
		{"1.5", "1.5", false},
		{"12345.67", "12345.67", false},
		{"", "", true},
		{"abc", "", true},
	}
	for _, tt := range tests {
		got, err := parseAmount(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseAmount(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got.String() != tt.want {
			t.Errorf("parseAmount(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeInput(t *testing.T) {
	if got := sanitizeInput("  a\x00b\tc\n "); got != "ab\tc" {
		t.Errorf("sanitizeInput() = %q", got)
	}
}
