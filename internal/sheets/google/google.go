// Package google mirrors stored expenses into a Google Sheets spreadsheet,
// one row per expense in a year-prefixed tab ("2024 Expenses").
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"chitieu/internal/core"
	"chitieu/internal/ports"
)

// Column order of a mirrored row. The id column is used to detect rows
// already written by an earlier delivery of the same message.
var header = []any{"Ngày", "Khoản chi", "Số tiền", "Người trả", "Người tiêu", "Mỗi người", "ID", "Tạo lúc"}

const idColumn = "G"

// valuesAPI is the part of the Sheets values service the mirror uses.
type valuesAPI interface {
	get(ctx context.Context, spreadsheetID, rng string) ([][]any, error)
	appendRows(ctx context.Context, spreadsheetID, rng string, rows [][]any) (string, error)
	addSheet(ctx context.Context, spreadsheetID, title string) error
}

type Client struct {
	values        valuesAPI
	spreadsheetID string
	sheetBase     string
	logger        *slog.Logger
}

var _ ports.ExpenseMirror = (*Client)(nil)

// NewClient creates a Sheets mirror using service account credentials from
// GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or
// GOOGLE_APPLICATION_CREDENTIALS. sheetName is the tab base name without
// the year.
func NewClient(ctx context.Context, spreadsheetID, sheetName string, logger *slog.Logger) (*Client, error) {
	spreadsheetID = strings.TrimSpace(spreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sheets")

	svc, err := newSheetsService(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return newClient(&serviceValues{svc: svc}, spreadsheetID, sheetName, logger), nil
}

func newClient(values valuesAPI, spreadsheetID, sheetName string, logger *slog.Logger) *Client {
	sheetName = strings.TrimSpace(sheetName)
	if sheetName == "" {
		sheetName = "Expenses"
	}
	return &Client{
		values:        values,
		spreadsheetID: spreadsheetID,
		sheetBase:     sheetName,
		logger:        logger,
	}
}

// newSheetsService initializes a Sheets Service using Service Account credentials.
func newSheetsService(ctx context.Context, logger *slog.Logger) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))

	// Also check the standard Google Cloud environment variable
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	var err error

	switch {
	case serviceAccountJSON != "":
		logger.InfoContext(ctx, "Using inline JSON credentials")
		credentialsJSON = []byte(serviceAccountJSON)
	case serviceAccountFile != "":
		logger.InfoContext(ctx, "Reading credentials from file", "path", serviceAccountFile)
		credentialsJSON, err = os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	logger.InfoContext(ctx, "Google Sheets service created")
	return service, nil
}

// MirrorExpense appends e to the tab of its expense year and returns the
// updated range. An expense already present is not written twice; the
// existing row is returned instead. A missing year tab is created. Errors
// the API will keep returning on retry wrap ports.ErrMirrorRejected.
func (c *Client) MirrorExpense(ctx context.Context, e core.Expense) (string, error) {
	if c.values == nil {
		return "", errors.New("sheets service not initialized")
	}
	if e.ID == "" {
		return "", errors.New("mirror expense: missing id")
	}

	sheet := yearPrefixedName(c.sheetBase, e.ExpenseDate.Year())

	ids, err := c.values.get(ctx, c.spreadsheetID, fmt.Sprintf("%s!%s:%s", sheet, idColumn, idColumn))
	if isMissingTab(err) {
		c.logger.InfoContext(ctx, "Creating sheet tab", "sheet", sheet)
		if err := c.values.addSheet(ctx, c.spreadsheetID, sheet); err != nil && !isDuplicateTab(err) {
			return "", fmt.Errorf("create tab %s: %w", sheet, classify(err))
		}
		ids, err = nil, nil
	}
	if err != nil {
		return "", fmt.Errorf("read ids from %s: %w", sheet, classify(err))
	}
	if row := findRow(ids, e.ID); row > 0 {
		ref := fmt.Sprintf("%s!A%d:H%d", sheet, row, row)
		c.logger.DebugContext(ctx, "Expense already mirrored", "expense_id", e.ID, "ref", ref)
		return ref, nil
	}

	rows := [][]any{expenseRow(e)}
	if len(ids) == 0 {
		rows = append([][]any{header}, rows...)
	}

	ref, err := c.values.appendRows(ctx, c.spreadsheetID, fmt.Sprintf("%s!A:H", sheet), rows)
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", sheet, classify(err))
	}
	return ref, nil
}

// isMissingTab reports whether err is the API's answer to a range naming a
// tab that does not exist.
func isMissingTab(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest &&
		strings.Contains(apiErr.Message, "Unable to parse range")
}

func isDuplicateTab(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest &&
		strings.Contains(apiErr.Message, "already exists")
}

// classify marks client errors other than timeouts and rate limits as
// rejected. Everything else is left as is and may succeed on retry.
func classify(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Code == http.StatusRequestTimeout, apiErr.Code == http.StatusTooManyRequests:
		return err
	case apiErr.Code >= 400 && apiErr.Code < 500:
		return fmt.Errorf("%w: %w", ports.ErrMirrorRejected, err)
	}
	return err
}

// expenseRow renders e in header column order. Amounts are written as
// plain digits so USER_ENTERED parses them as numbers.
func expenseRow(e core.Expense) []any {
	share := ""
	if n := len(e.Consumers); n > 0 {
		share = e.Amount.DivRound(decimal.NewFromInt(int64(n)), 0).String()
	}
	return []any{
		e.ExpenseDate.String(),
		e.Description,
		e.Amount.String(),
		e.Payer,
		strings.Join(e.Consumers, ", "),
		share,
		e.ID,
		e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// findRow returns the 1-based row holding id in a single-column range, or 0.
func findRow(values [][]any, id string) int {
	for i, row := range values {
		if len(row) == 0 {
			continue
		}
		if strings.TrimSpace(fmt.Sprint(row[0])) == id {
			return i + 1
		}
	}
	return 0
}

func yearPrefixedName(base string, year int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	if len(base) >= 5 {
		if y, err := strconv.Atoi(base[0:4]); err == nil && base[4] == ' ' && y > 1900 && y < 3000 {
			return base
		}
	}
	return fmt.Sprintf("%d %s", year, base)
}

// serviceValues adapts *gsheet.Service to valuesAPI.
type serviceValues struct {
	svc *gsheet.Service
}

func (s *serviceValues) get(ctx context.Context, spreadsheetID, rng string) ([][]any, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (s *serviceValues) appendRows(ctx context.Context, spreadsheetID, rng string, rows [][]any) (string, error) {
	resp, err := s.svc.Spreadsheets.Values.Append(spreadsheetID, rng, &gsheet.ValueRange{Values: rows}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if resp.Updates == nil {
		return rng, nil
	}
	return resp.Updates.UpdatedRange, nil
}

func (s *serviceValues) addSheet(ctx context.Context, spreadsheetID, title string) error {
	req := &gsheet.BatchUpdateSpreadsheetRequest{
		Requests: []*gsheet.Request{{
			AddSheet: &gsheet.AddSheetRequest{Properties: &gsheet.SheetProperties{Title: title}},
		}},
	}
	_, err := s.svc.Spreadsheets.BatchUpdate(spreadsheetID, req).Context(ctx).Do()
	return err
}
