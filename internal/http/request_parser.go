// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating HTTP request data:
// list filters from the query string and expense input from JSON or
// form-encoded bodies.

package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"chitieu/internal/core"
)

// maxBodyBytes bounds create request bodies.
const maxBodyBytes = 64 << 10

var errEmptyBody = errors.New("empty request body")

// ParseFilter builds an ExpenseFilter from list query parameters. Month and
// year only apply together; non-numeric values are field errors.
func ParseFilter(query url.Values) (core.ExpenseFilter, error) {
	b := core.NewFilterBuilder()

	month, okMonth := queryInt(query, "month")
	if !okMonth {
		b.Fail("month", core.ErrInvalidMonth)
	}
	year, okYear := queryInt(query, "year")
	if !okYear {
		b.Fail("year", core.ErrInvalidYear)
	}
	if okMonth && okYear {
		b.Period(month, year)
	}

	b.Payer(query.Get("payer"))
	b.Consumers(splitList(query["consumers"])...)

	if d, ok, err := queryDecimal(query, "minAmount"); err != nil {
		b.Fail("minAmount", core.ErrInvalidAmount)
	} else if ok {
		b.MinAmount(d)
	}
	if d, ok, err := queryDecimal(query, "maxAmount"); err != nil {
		b.Fail("maxAmount", core.ErrInvalidAmount)
	} else if ok {
		b.MaxAmount(d)
	}

	if limit, ok := queryInt(query, "limit"); !ok {
		b.Fail("limit", core.ErrInvalidLimit)
	} else {
		b.Limit(limit)
	}

	return b.Build()
}

// queryInt returns 0, true for an absent parameter and false when the
// value is not an integer.
func queryInt(query url.Values, key string) (int, bool) {
	v := strings.TrimSpace(query.Get(key))
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func queryDecimal(query url.Values, key string) (decimal.Decimal, bool, error) {
	v := strings.TrimSpace(query.Get(key))
	if v == "" {
		return decimal.Decimal{}, false, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	return d, true, nil
}

// splitList flattens repeated and comma-separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// RequestBodyParser handles different content types for request body parsing.
// It supports both JSON and form-encoded data.
type RequestBodyParser struct {
	body        []byte
	contentType string
	jsonData    map[string]any
	formData    url.Values
	parsed      bool
	err         error
}

// NewRequestBodyParser creates a parser for the given request.
// It reads the body once and stores it for subsequent parsing.
func NewRequestBodyParser(w http.ResponseWriter, r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{
		contentType: r.Header.Get("Content-Type"),
	}

	p.body, p.err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return p
}

// Parse attempts to parse the body as JSON or form data.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true

	if p.err != nil {
		return p.err
	}

	body := strings.TrimSpace(string(p.body))
	if body == "" {
		p.err = errEmptyBody
		return p.err
	}

	// JSON when declared or when the body looks like an object
	if strings.HasPrefix(p.contentType, "application/json") || body[0] == '{' {
		p.jsonData = make(map[string]any)
		if err := json.Unmarshal([]byte(body), &p.jsonData); err != nil {
			p.err = err
			return err
		}
		return nil
	}

	p.formData, p.err = url.ParseQuery(body)
	return p.err
}

// Get returns a string value from the parsed data (JSON or form).
func (p *RequestBodyParser) Get(key string) string {
	if p.jsonData != nil {
		if val, ok := p.jsonData[key]; ok {
			return sanitizeInput(stringValue(val))
		}
		return ""
	}
	if p.formData != nil {
		return sanitizeInput(p.formData.Get(key))
	}
	return ""
}

// GetAll returns every value for key. JSON arrays and repeated form fields
// are both accepted, and each value may itself be comma-separated.
func (p *RequestBodyParser) GetAll(key string) []string {
	var raw []string
	switch {
	case p.jsonData != nil:
		switch val := p.jsonData[key].(type) {
		case []any:
			for _, item := range val {
				raw = append(raw, stringValue(item))
			}
		case nil:
		default:
			raw = append(raw, stringValue(val))
		}
	case p.formData != nil:
		raw = p.formData[key]
	}

	for i := range raw {
		raw[i] = sanitizeInput(raw[i])
	}
	return splitList(raw)
}

// IsJSON returns true if the parsed content was JSON.
func (p *RequestBodyParser) IsJSON() bool {
	return p.jsonData != nil
}

// ExpenseInput maps the parsed body onto a create request. Amounts that do
// not parse are left zero so validation reports them per field.
func (p *RequestBodyParser) ExpenseInput() core.ExpenseInput {
	in := core.ExpenseInput{
		Description: p.Get("description"),
		Payer:       p.Get("payer"),
		Consumers:   p.GetAll("consumers"),
		Date:        p.Get("date"),
	}
	if in.Date == "" {
		in.Date = p.Get("expenseDate")
	}
	if amount, err := parseAmount(p.Get("amount")); err == nil {
		in.Amount = amount
	}
	return in
}

// groupedAmount matches thousands-grouped input such as "150.000" or
// "1,250,000" typed into the form.
var groupedAmount = regexp.MustCompile(`^\d{1,3}([.,]\d{3})+$`)

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), "đ₫"))
	if groupedAmount.MatchString(s) {
		s = strings.NewReplacer(".", "", ",", "").Replace(s)
	}
	return decimal.NewFromString(s)
}

// stringValue converts a decoded JSON value to string.
func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
