package report

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"budgetmirror/internal/core"
	"budgetmirror/internal/storage"
)

var usd = core.Currency{ISOCode: "USD", DecimalDigits: 2}

type txn struct {
	id, account, category string
	date                  core.Date
	amount                int64
	deleted               bool
}

var categoryGroups = map[string]string{
	"c-rent":  "g-fixed",
	"c-power": "g-fixed",
	"c-food":  "g-every",
	"c-ret":   "g-refund",
	"c-unc":   "g-int",
	"c-rta":   "g-int",
}

var names = map[string]string{
	"g-fixed":  "Fixed Expenses",
	"g-every":  "Everyday",
	"g-refund": "Refunds",
	"g-int":    core.InternalMasterCategory,
	"c-rent":   "Rent",
	"c-power":  "Power",
	"c-food":   "Groceries",
	"c-ret":    "Returns",
	"c-unc":    core.UncategorizedCategory,
	"c-rta":    "Inflow: Ready to Assign",
}

func (x txn) entry() core.TransactionEntry {
	e := core.TransactionEntry{
		ID:           x.id,
		BudgetID:     "b1",
		Date:         x.date,
		Amount:       x.amount,
		CurrencyCode: "USD",
		AccountID:    x.account,
		AccountName:  x.account,
		Deleted:      x.deleted,
	}
	if x.category != "" {
		g := categoryGroups[x.category]
		e.CategoryID, e.CategoryName = x.category, names[x.category]
		e.CategoryGroupID, e.CategoryGroupName = g, names[g]
	}
	return e
}

func feb(day int) core.Date { return core.NewDate(2024, 2, day) }

// openReportStore mirrors one budget holding two February "Fixed Expenses"
// debits of -1500 and -3000 along with entries every report must skip.
func openReportStore(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	groups := []core.CategoryGroup{}
	for _, id := range []string{"g-fixed", "g-every", "g-refund", "g-int"} {
		groups = append(groups, core.CategoryGroup{ID: id, BudgetID: "b1", Name: names[id]})
	}
	categories := []core.Category{}
	for id, g := range categoryGroups {
		categories = append(categories, core.Category{ID: id, CategoryGroupID: g, BudgetID: "b1", Name: names[id]})
	}

	entries := []core.TransactionEntry{}
	for _, x := range []txn{
		{id: "t1", account: "a1", category: "c-rent", date: feb(1), amount: -1500},
		{id: "t2", account: "a1", category: "c-power", date: feb(1), amount: -3000},
		{id: "t3", account: "a2", category: "c-food", date: feb(10), amount: -2000},
		{id: "t4", account: "a1", category: "c-unc", date: feb(12), amount: -700},
		{id: "t5", account: "a1", category: "c-rta", date: feb(15), amount: 500000},
		{id: "t6", account: "loan", category: "c-rent", date: feb(3), amount: -9999},
		{id: "t7", account: "a1", category: "c-food", date: feb(20), amount: -5000, deleted: true},
		{id: "t8", account: "a1", category: "c-food", date: core.NewDate(2024, 3, 1), amount: -1200},
		{id: "t9", account: "a2", category: "c-ret", date: feb(21), amount: -800},
		{id: "t10", account: "a2", category: "c-ret", date: feb(22), amount: 800},
		{id: "t11", account: "a1", date: feb(23), amount: -10000},
		{id: "t12", account: "a1", category: "c-food", date: core.NewDate(2024, 1, 31), amount: -400},
	} {
		entries = append(entries, x.entry())
	}

	err = store.Perform(ctx, func(tx *storage.Tx) error {
		if err := tx.UpsertBudgetSummaries(ctx, []core.BudgetSummary{{
			ID:             "b1",
			Name:           "Household",
			LastModifiedOn: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			Currency:       usd,
		}}); err != nil {
			return err
		}
		if err := tx.ReplaceAccounts(ctx, "b1", []core.Account{
			{ID: "a1", Name: "Checking", OnBudget: true},
			{ID: "a2", Name: "Card", OnBudget: true},
			{ID: "loan", Name: "Mortgage", OnBudget: false},
		}); err != nil {
			return err
		}
		if err := tx.ReplaceCategories(ctx, "b1", groups, categories); err != nil {
			return err
		}
		return tx.UpsertTransactions(ctx, entries)
	})
	require.NoError(t, err)
	return store
}

func totals(records []core.CategoryRecord) map[string]int64 {
	out := map[string]int64{}
	for _, r := range records {
		out[r.Name] = r.Total.Amount
	}
	return out
}

func TestCategoryGroupTotals(t *testing.T) {
	engine := NewEngine(openReportStore(t))
	ctx := context.Background()

	records, err := engine.CategoryGroupTotals(ctx, "b1", core.MonthRange(2024, 2), nil)
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, core.CategoryRecord{ID: "g-fixed", Name: "Fixed Expenses", Total: core.NewMoney(-4500, usd)}, records[0])
	assert.Equal(t, "Everyday", records[1].Name)
	assert.Equal(t, int64(-2000), records[1].Total.Amount)
	assert.Equal(t, core.InternalMasterCategory, records[2].Name)
	assert.Equal(t, int64(-700), records[2].Total.Amount)
	assert.Equal(t, "-45.00 USD", records[0].Total.String())
}

func TestCategoryGroupTotalsAccountFilter(t *testing.T) {
	engine := NewEngine(openReportStore(t))
	ctx := context.Background()

	records, err := engine.CategoryGroupTotals(ctx, "b1", core.MonthRange(2024, 2), []string{"a2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Everyday": -2000}, totals(records))

	records, err = engine.CategoryGroupTotals(ctx, "b1", core.MonthRange(2024, 2), []string{"loan"})
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestCategoryGroupTotalsInclusiveRange(t *testing.T) {
	engine := NewEngine(openReportStore(t))

	dates := core.DateRange{From: core.NewDate(2024, 1, 31), To: core.NewDate(2024, 2, 1)}
	records, err := engine.CategoryGroupTotals(context.Background(), "b1", dates, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Fixed Expenses": -4500, "Everyday": -400}, totals(records))
}

func TestCategoryTotals(t *testing.T) {
	engine := NewEngine(openReportStore(t))
	ctx := context.Background()

	records, err := engine.CategoryTotals(ctx, "b1", "g-fixed", core.MonthRange(2024, 2), nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Power", records[0].Name)
	assert.Equal(t, int64(-3000), records[0].Total.Amount)
	assert.Equal(t, "Rent", records[1].Name)
	assert.Equal(t, int64(-1500), records[1].Total.Amount)

	// Only Uncategorized survives inside the internal group.
	records, err = engine.CategoryTotals(ctx, "b1", "g-int", core.MonthRange(2024, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{core.UncategorizedCategory: -700}, totals(records))

	// Offsetting entries net to zero and are omitted.
	records, err = engine.CategoryTotals(ctx, "b1", "g-refund", core.MonthRange(2024, 2), nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestGroupTrends(t *testing.T) {
	engine := NewEngine(openReportStore(t))

	dates := core.DateRange{From: core.NewDate(2024, 2, 1), To: core.NewDate(2024, 3, 31)}
	records, err := engine.GroupTrends(context.Background(), "b1", dates, nil)
	require.NoError(t, err)

	type point struct {
		month, name string
		total       int64
	}
	got := []point{}
	for _, r := range records {
		got = append(got, point{r.Month.String(), r.Name, r.Total.Amount})
	}
	assert.Equal(t, []point{
		{"2024-02-01", core.InternalMasterCategory, 700},
		{"2024-02-01", "Everyday", 2000},
		{"2024-02-01", "Fixed Expenses", 4500},
		{"2024-03-01", "Everyday", 1200},
	}, got)
}

func TestCategoryTrends(t *testing.T) {
	engine := NewEngine(openReportStore(t))

	dates := core.DateRange{From: core.NewDate(2024, 1, 1), To: core.NewDate(2024, 3, 31)}
	records, err := engine.CategoryTrends(context.Background(), "b1", "g-every", dates, []string{"a1"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2024-01-01", records[0].Month.String())
	assert.Equal(t, int64(400), records[0].Total.Amount)
	assert.Equal(t, "2024-03-01", records[1].Month.String())
	assert.Equal(t, "Groceries", records[1].Name)
	assert.Equal(t, usd, records[1].Total.Currency)
}

func TestEngineUnknownBudget(t *testing.T) {
	engine := NewEngine(openReportStore(t))

	_, err := engine.CategoryGroupTotals(context.Background(), "missing", core.MonthRange(2024, 2), nil)
	assert.ErrorIs(t, err, ErrUnknownBudget)
}

func TestEngineEmptyBudgetID(t *testing.T) {
	engine := NewEngine(openReportStore(t))

	_, err := engine.GroupTrends(context.Background(), "", core.MonthRange(2024, 2), nil)
	assert.ErrorIs(t, err, core.ErrEmptyBudgetID)
}
