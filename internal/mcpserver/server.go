package mcpserver

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"budgetmirror/internal/report"
	"budgetmirror/internal/services"
	"budgetmirror/internal/tools"
)

// New creates an MCP server exposing the mirrored budgets' reports. The
// sync_now tool is only registered when refresher is non-nil.
func New(reports *report.Service, refresher services.Refresher, version string) *mcp.Server {
	rt := &tools.ReportTools{Reports: reports}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "budgetmirror",
		Version: version,
	}, nil)

	// Lookups
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_budgets",
		Description: "List the mirrored budgets with their currency and month range",
	}, rt.ListBudgets)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_accounts",
		Description: "List the accounts of a mirrored budget",
	}, rt.ListAccounts)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_category_groups",
		Description: "List the category groups of a mirrored budget",
	}, rt.ListCategoryGroups)

	// Reports
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "category_group_totals",
		Description: "Net activity per category group over an inclusive date range, most spent first",
	}, rt.CategoryGroupTotals)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "category_totals",
		Description: "Net activity per category of one group over an inclusive date range, most spent first",
	}, rt.CategoryTotals)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "group_trends",
		Description: "Monthly spending per category group, spending shown as positive",
	}, rt.GroupTrends)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "category_trends",
		Description: "Monthly spending per category of one group, spending shown as positive",
	}, rt.CategoryTrends)

	if refresher != nil {
		st := &tools.SyncTools{Sync: refresher}
		mcp.AddTool(srv, &mcp.Tool{
			Name:        "sync_now",
			Description: "Pull the latest changes from the budgeting service into the mirror",
		}, st.SyncNow)
	}

	return srv
}
