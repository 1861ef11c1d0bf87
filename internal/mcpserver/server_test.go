package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"budgetmirror/internal/core"
	"budgetmirror/internal/report"
	"budgetmirror/internal/services"
	"budgetmirror/internal/storage"
)

type stubRefresher struct {
	result *services.PassResult
	err    error
	calls  []services.RefreshOptions
}

func (s *stubRefresher) Refresh(_ context.Context, opts services.RefreshOptions) (*services.PassResult, error) {
	s.calls = append(s.calls, opts)
	return s.result, s.err
}

func seededService(t *testing.T) *report.Service {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	usd := core.Currency{ISOCode: "USD", DecimalDigits: 2}
	entry := func(id, category, group string, day int, amount int64) core.TransactionEntry {
		return core.TransactionEntry{
			ID: id, BudgetID: "b1", Date: core.NewDate(2024, 2, day), Amount: amount,
			CurrencyCode: "USD", AccountID: "a1", AccountName: "Checking",
			CategoryID: category, CategoryName: category,
			CategoryGroupID: group, CategoryGroupName: group,
		}
	}

	err = store.Perform(ctx, func(tx *storage.Tx) error {
		if err := tx.UpsertBudgetSummaries(ctx, []core.BudgetSummary{{ID: "b1", Name: "Household", Currency: usd}}); err != nil {
			return err
		}
		if err := tx.ReplaceAccounts(ctx, "b1", []core.Account{{ID: "a1", Name: "Checking", OnBudget: true}}); err != nil {
			return err
		}
		if err := tx.ReplaceCategories(ctx, "b1",
			[]core.CategoryGroup{{ID: "Fixed", BudgetID: "b1", Name: "Fixed"}},
			[]core.Category{
				{ID: "Rent", CategoryGroupID: "Fixed", BudgetID: "b1", Name: "Rent"},
				{ID: "Power", CategoryGroupID: "Fixed", BudgetID: "b1", Name: "Power"},
			}); err != nil {
			return err
		}
		return tx.UpsertTransactions(ctx, []core.TransactionEntry{
			entry("t1", "Rent", "Fixed", 1, -1500),
			entry("t2", "Power", "Fixed", 1, -3000),
		})
	})
	require.NoError(t, err)

	return report.NewService(store, report.DefaultServiceConfig())
}

func connect(t *testing.T, srv *mcp.Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()

	_, err := srv.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

// callTool returns the text content and the error flag of a tool call.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err, "CallTool(%s)", name)
	require.NotEmpty(t, result.Content, "CallTool(%s): empty content", name)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	return tc.Text, result.IsError
}

func TestListTools(t *testing.T) {
	session := connect(t, New(seededService(t), nil, "test"))

	result, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"list_budgets", "list_accounts", "list_category_groups",
		"category_group_totals", "category_totals", "group_trends", "category_trends",
	}, names)
}

func TestListBudgets(t *testing.T) {
	session := connect(t, New(seededService(t), nil, "test"))

	text, isErr := callTool(t, session, "list_budgets", map[string]any{})
	require.False(t, isErr, text)

	var budgets []report.BudgetView
	require.NoError(t, json.Unmarshal([]byte(text), &budgets))
	require.Len(t, budgets, 1)
	assert.Equal(t, "b1", budgets[0].ID)
	assert.Equal(t, "USD", budgets[0].Currency)
}

func TestCategoryTotalsTool(t *testing.T) {
	session := connect(t, New(seededService(t), nil, "test"))

	text, isErr := callTool(t, session, "category_totals", map[string]any{
		"budget_id": "b1",
		"group_id":  "Fixed",
		"from":      "2024-02-01",
		"to":        "2024-02-29",
	})
	require.False(t, isErr, text)

	var records []report.RecordView
	require.NoError(t, json.Unmarshal([]byte(text), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "Power", records[0].Name)
	assert.Equal(t, "-30.00", records[0].Total.Value)
	assert.Equal(t, "Rent", records[1].Name)
	assert.Equal(t, int64(-1500), records[1].Total.Minor)
}

func TestGroupTotalsTool(t *testing.T) {
	session := connect(t, New(seededService(t), nil, "test"))

	text, isErr := callTool(t, session, "category_group_totals", map[string]any{
		"budget_id":   "b1",
		"from":        "2024-02-01",
		"to":          "2024-02-29",
		"account_ids": []string{"a1"},
	})
	require.False(t, isErr, text)

	var records []report.RecordView
	require.NoError(t, json.Unmarshal([]byte(text), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "Fixed", records[0].Name)
	assert.Equal(t, "-45.00", records[0].Total.Value)
}

func TestReportToolErrors(t *testing.T) {
	session := connect(t, New(seededService(t), nil, "test"))

	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"unknown budget", "category_group_totals",
			map[string]any{"budget_id": "nope", "from": "2024-02-01", "to": "2024-02-29"}, "unknown budget"},
		{"bad date", "group_trends",
			map[string]any{"budget_id": "b1", "from": "Feb 1", "to": "2024-02-29"}, "invalid report request"},
		{"unknown account", "category_group_totals",
			map[string]any{"budget_id": "b1", "from": "2024-02-01", "to": "2024-02-29", "account_ids": []string{"zz"}}, "unknown account"},
		{"missing group", "category_trends",
			map[string]any{"budget_id": "b1", "from": "2024-02-01", "to": "2024-02-29"}, "empty category group id"},
		{"accounts of unknown budget", "list_accounts",
			map[string]any{"budget_id": "nope"}, "unknown budget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := callTool(t, session, tt.tool, tt.args)
			assert.True(t, isErr)
			assert.Contains(t, text, tt.want)
		})
	}
}

func TestSyncNow(t *testing.T) {
	t.Run("reports pass result", func(t *testing.T) {
		refresher := &stubRefresher{result: &services.PassResult{Budgets: 2}}
		session := connect(t, New(seededService(t), refresher, "test"))

		text, isErr := callTool(t, session, "sync_now", map[string]any{"budget_ids": []string{"b1"}})
		require.False(t, isErr, text)
		assert.Contains(t, text, `"budgets": 2`)
		require.Len(t, refresher.calls, 1)
		assert.Equal(t, []string{"b1"}, refresher.calls[0].BudgetIDs)
	})

	t.Run("hides failure details", func(t *testing.T) {
		refresher := &stubRefresher{err: errors.New("transactions stage: cursor 42 rejected")}
		session := connect(t, New(seededService(t), refresher, "test"))

		text, isErr := callTool(t, session, "sync_now", map[string]any{})
		assert.True(t, isErr)
		assert.Equal(t, "sync failed, try again", text)
	})
}
