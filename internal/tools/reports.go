package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"budgetmirror/internal/log"
	"budgetmirror/internal/report"
	"budgetmirror/internal/services"
)

// ReportTools holds references needed by the report tool handlers.
type ReportTools struct {
	Reports *report.Service
}

// SyncTools lets an agent trigger a refresh pass. Sync may be nil, in which
// case the tool is not registered.
type SyncTools struct {
	Sync services.Refresher
}

// --- Input types ---

type ListBudgetsInput struct{}

type BudgetInput struct {
	BudgetID string `json:"budget_id" jsonschema:"ID of a mirrored budget"`
}

type GroupReportInput struct {
	BudgetID   string   `json:"budget_id" jsonschema:"ID of a mirrored budget"`
	From       string   `json:"from" jsonschema:"First day of the range, YYYY-MM-DD (inclusive)"`
	To         string   `json:"to" jsonschema:"Last day of the range, YYYY-MM-DD (inclusive)"`
	AccountIDs []string `json:"account_ids,omitempty" jsonschema:"Only count transactions of these accounts; empty means all"`
}

type CategoryReportInput struct {
	BudgetID   string   `json:"budget_id" jsonschema:"ID of a mirrored budget"`
	GroupID    string   `json:"group_id" jsonschema:"ID of the category group to break down"`
	From       string   `json:"from" jsonschema:"First day of the range, YYYY-MM-DD (inclusive)"`
	To         string   `json:"to" jsonschema:"Last day of the range, YYYY-MM-DD (inclusive)"`
	AccountIDs []string `json:"account_ids,omitempty" jsonschema:"Only count transactions of these accounts; empty means all"`
}

type SyncInput struct {
	BudgetIDs []string `json:"budget_ids,omitempty" jsonschema:"Restrict the pass to these budgets; empty means all"`
}

// --- Handlers ---

func (t *ReportTools) ListBudgets(ctx context.Context, _ *mcp.CallToolRequest, _ ListBudgetsInput) (*mcp.CallToolResult, any, error) {
	budgets, err := t.Reports.Budgets(ctx)
	if err != nil {
		return failed(ctx, "list_budgets", err), nil, nil
	}
	return toolJSON(report.BudgetViews(budgets))
}

func (t *ReportTools) ListAccounts(ctx context.Context, _ *mcp.CallToolRequest, input BudgetInput) (*mcp.CallToolResult, any, error) {
	if _, err := t.Reports.Budget(ctx, input.BudgetID); err != nil {
		return failed(ctx, "list_accounts", err), nil, nil
	}
	accounts, err := t.Reports.Accounts(ctx, input.BudgetID)
	if err != nil {
		return failed(ctx, "list_accounts", err), nil, nil
	}

	type accountView struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		OnBudget bool   `json:"on_budget"`
		Closed   bool   `json:"closed"`
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, accountView{ID: a.ID, Name: a.Name, OnBudget: a.OnBudget, Closed: a.Closed})
	}
	return toolJSON(views)
}

func (t *ReportTools) ListCategoryGroups(ctx context.Context, _ *mcp.CallToolRequest, input BudgetInput) (*mcp.CallToolResult, any, error) {
	if _, err := t.Reports.Budget(ctx, input.BudgetID); err != nil {
		return failed(ctx, "list_category_groups", err), nil, nil
	}
	groups, err := t.Reports.CategoryGroups(ctx, input.BudgetID)
	if err != nil {
		return failed(ctx, "list_category_groups", err), nil, nil
	}

	type groupView struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Hidden bool   `json:"hidden"`
	}
	views := make([]groupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, groupView{ID: g.ID, Name: g.Name, Hidden: g.Hidden})
	}
	return toolJSON(views)
}

func (t *ReportTools) CategoryGroupTotals(ctx context.Context, _ *mcp.CallToolRequest, input GroupReportInput) (*mcp.CallToolResult, any, error) {
	req, err := report.ParseRequest(input.BudgetID, "", input.From, input.To, input.AccountIDs)
	if err != nil {
		return toolError("%v", err), nil, nil
	}
	records, err := t.Reports.CategoryGroupTotals(ctx, req)
	if err != nil {
		return failed(ctx, "category_group_totals", err), nil, nil
	}
	return toolJSON(report.RecordViews(records))
}

func (t *ReportTools) CategoryTotals(ctx context.Context, _ *mcp.CallToolRequest, input CategoryReportInput) (*mcp.CallToolResult, any, error) {
	req, err := report.ParseRequest(input.BudgetID, input.GroupID, input.From, input.To, input.AccountIDs)
	if err != nil {
		return toolError("%v", err), nil, nil
	}
	records, err := t.Reports.CategoryTotals(ctx, req)
	if err != nil {
		return failed(ctx, "category_totals", err), nil, nil
	}
	return toolJSON(report.RecordViews(records))
}

func (t *ReportTools) GroupTrends(ctx context.Context, _ *mcp.CallToolRequest, input GroupReportInput) (*mcp.CallToolResult, any, error) {
	req, err := report.ParseRequest(input.BudgetID, "", input.From, input.To, input.AccountIDs)
	if err != nil {
		return toolError("%v", err), nil, nil
	}
	records, err := t.Reports.GroupTrends(ctx, req)
	if err != nil {
		return failed(ctx, "group_trends", err), nil, nil
	}
	return toolJSON(report.TrendViews(records))
}

func (t *ReportTools) CategoryTrends(ctx context.Context, _ *mcp.CallToolRequest, input CategoryReportInput) (*mcp.CallToolResult, any, error) {
	req, err := report.ParseRequest(input.BudgetID, input.GroupID, input.From, input.To, input.AccountIDs)
	if err != nil {
		return toolError("%v", err), nil, nil
	}
	records, err := t.Reports.CategoryTrends(ctx, req)
	if err != nil {
		return failed(ctx, "category_trends", err), nil, nil
	}
	return toolJSON(report.TrendViews(records))
}

func (t *SyncTools) SyncNow(ctx context.Context, _ *mcp.CallToolRequest, input SyncInput) (*mcp.CallToolResult, any, error) {
	result, err := t.Sync.Refresh(ctx, services.RefreshOptions{BudgetIDs: input.BudgetIDs})
	if err != nil {
		slog.ErrorContext(ctx, "Sync tool failed", log.FieldComponent, log.ComponentMCP, log.FieldError, err)
		return toolError("%s", services.ErrSyncFailed.Error()), nil, nil
	}
	return toolJSON(map[string]any{
		"budgets":   result.Budgets,
		"pruned":    result.Pruned,
		"committed": result.Committed(),
	})
}

// failed maps lookup errors to their message and hides everything else
// behind a generic one.
func failed(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, report.ErrUnknownBudget),
		errors.Is(err, report.ErrUnknownAccount),
		errors.Is(err, report.ErrEmptyGroupID),
		errors.Is(err, report.ErrEmptyAccount),
		errors.Is(err, report.ErrInvalidRequest):
		return toolError("%v", err)
	}
	slog.ErrorContext(ctx, "Report tool failed", log.FieldComponent, log.ComponentMCP, "tool", tool, log.FieldError, err)
	return toolError("Failed to build report")
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func toolJSON(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("Failed to marshal result: %v", err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
