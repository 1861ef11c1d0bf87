// Package sheets exports report results to a Google spreadsheet.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"budgetmirror/internal/core"
	"budgetmirror/internal/log"
	"budgetmirror/internal/report"
)

// Reporter is the part of report.Service the exporter reads from.
type Reporter interface {
	Budget(ctx context.Context, budgetID string) (core.BudgetSummary, error)
	CategoryGroupTotals(ctx context.Context, req report.Request) ([]core.CategoryRecord, error)
}

// Config selects the target sheet and the service account credentials.
type Config struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsJSON string
	CredentialsFile string
}

// Result describes a finished export.
type Result struct {
	Range string
	Rows  int
}

type Exporter struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
	reports       Reporter
}

// New creates an exporter authenticated with a service account.
func New(ctx context.Context, cfg Config, reports Reporter) (*Exporter, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	svc, err := newSheetsService(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return NewWithService(svc, cfg.SpreadsheetID, cfg.SheetName, reports), nil
}

// NewWithService creates an exporter on an existing Sheets service.
func NewWithService(svc *gsheet.Service, spreadsheetID, sheetName string, reports Reporter) *Exporter {
	if strings.TrimSpace(sheetName) == "" {
		sheetName = "Reports"
	}
	return &Exporter{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		reports:       reports,
	}
}

func newSheetsService(ctx context.Context, cfg Config) (*gsheet.Service, error) {
	var credentialsJSON []byte
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		credentialsJSON = []byte(cfg.CredentialsJSON)
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		credentialsJSON = data
	default:
		return nil, errors.New("missing service account credentials")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

// ExportGroupTotals writes the category group totals of req to the sheet,
// replacing whatever the sheet held before.
func (e *Exporter) ExportGroupTotals(ctx context.Context, req report.Request) (Result, error) {
	if e.svc == nil {
		return Result{}, errors.New("sheets service not initialized")
	}

	budget, err := e.reports.Budget(ctx, req.BudgetID)
	if err != nil {
		return Result{}, err
	}
	records, err := e.reports.CategoryGroupTotals(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("category group totals: %w", err)
	}

	rows := groupTotalRows(budget, req.Dates, records)
	clearRange := fmt.Sprintf("%s!A:C", e.sheetName)
	if _, err := e.svc.Spreadsheets.Values.Clear(e.spreadsheetID, clearRange, &gsheet.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return Result{}, fmt.Errorf("clear %s: %w", clearRange, err)
	}

	writeRange := fmt.Sprintf("%s!A1:C%d", e.sheetName, len(rows))
	vr := &gsheet.ValueRange{Values: rows}
	if _, err := e.svc.Spreadsheets.Values.Update(e.spreadsheetID, writeRange, vr).
		ValueInputOption("USER_ENTERED").Context(ctx).Do(); err != nil {
		return Result{}, fmt.Errorf("update %s: %w", writeRange, err)
	}

	slog.InfoContext(ctx, "Exported category group totals",
		log.FieldComponent, log.ComponentSheets,
		log.FieldBudgetID, req.BudgetID,
		log.FieldRecords, len(records),
		"range", writeRange)

	return Result{Range: writeRange, Rows: len(rows)}, nil
}

// groupTotalRows lays out a small header block followed by one row per
// record. Amounts are written as plain decimals so Sheets parses them as
// numbers.
func groupTotalRows(budget core.BudgetSummary, dates core.DateRange, records []core.CategoryRecord) [][]any {
	rows := [][]any{
		{"Budget", budget.Name, budget.Currency.ISOCode},
		{"From", dates.From.String(), ""},
		{"To", dates.To.String(), ""},
		{"", "", ""},
		{"Category group", "Total", "Currency"},
	}
	for _, r := range records {
		rows = append(rows, []any{
			r.Name,
			r.Total.Decimal().StringFixed(int32(r.Total.Currency.DecimalDigits)),
			r.Total.Currency.ISOCode,
		})
	}
	return rows
}
