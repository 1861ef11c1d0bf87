package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"budgetmirror/internal/core"
	"budgetmirror/internal/storage"
)

var ErrUnknownBudget = errors.New("unknown budget")

// Engine runs report queries on the store's read pool. It only sees
// committed data.
type Engine struct {
	store *storage.Store
	db    *sql.DB
}

func NewEngine(store *storage.Store) *Engine {
	return &Engine{store: store, db: store.Reader()}
}

// CategoryGroupTotals returns one record per category group with a
// non-zero net total in dates, most negative first.
func (e *Engine) CategoryGroupTotals(ctx context.Context, budgetID string, dates core.DateRange, accounts []string) ([]core.CategoryRecord, error) {
	q, err := CategoryGroupTotalsQuery(budgetID, dates, accounts)
	if err != nil {
		return nil, err
	}
	return e.totals(ctx, budgetID, q)
}

// CategoryTotals returns one record per category of groupID.
func (e *Engine) CategoryTotals(ctx context.Context, budgetID, groupID string, dates core.DateRange, accounts []string) ([]core.CategoryRecord, error) {
	q, err := CategoryTotalsQuery(budgetID, groupID, dates, accounts)
	if err != nil {
		return nil, err
	}
	return e.totals(ctx, budgetID, q)
}

// GroupTrends returns monthly spending per category group with spending
// shown as positive amounts.
func (e *Engine) GroupTrends(ctx context.Context, budgetID string, dates core.DateRange, accounts []string) ([]core.TrendRecord, error) {
	q, err := GroupTrendsQuery(budgetID, dates, accounts)
	if err != nil {
		return nil, err
	}
	return e.trends(ctx, budgetID, q)
}

// CategoryTrends returns monthly spending per category of groupID.
func (e *Engine) CategoryTrends(ctx context.Context, budgetID, groupID string, dates core.DateRange, accounts []string) ([]core.TrendRecord, error) {
	q, err := CategoryTrendsQuery(budgetID, groupID, dates, accounts)
	if err != nil {
		return nil, err
	}
	return e.trends(ctx, budgetID, q)
}

func (e *Engine) currency(ctx context.Context, budgetID string) (core.Currency, error) {
	b, err := e.store.BudgetSummary(ctx, budgetID)
	if errors.Is(err, storage.ErrNotFound) {
		return core.Currency{}, fmt.Errorf("%w: %s", ErrUnknownBudget, budgetID)
	}
	if err != nil {
		return core.Currency{}, err
	}
	return b.Currency, nil
}

func (e *Engine) totals(ctx context.Context, budgetID string, q Query) ([]core.CategoryRecord, error) {
	cur, err := e.currency(ctx, budgetID)
	if err != nil {
		return nil, err
	}

	rows, err := e.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	defer rows.Close()

	records := []core.CategoryRecord{}
	for rows.Next() {
		var (
			r     core.CategoryRecord
			total int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &total); err != nil {
			return nil, fmt.Errorf("scan totals: %w", err)
		}
		r.Total = core.NewMoney(total, cur)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	return records, nil
}

func (e *Engine) trends(ctx context.Context, budgetID string, q Query) ([]core.TrendRecord, error) {
	cur, err := e.currency(ctx, budgetID)
	if err != nil {
		return nil, err
	}

	rows, err := e.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("query trends: %w", err)
	}
	defer rows.Close()

	records := []core.TrendRecord{}
	for rows.Next() {
		var (
			r     core.TrendRecord
			month string
			total int64
		)
		if err := rows.Scan(&month, &r.ID, &r.Name, &total); err != nil {
			return nil, fmt.Errorf("scan trends: %w", err)
		}
		if r.Month, err = core.ParseDate(month); err != nil {
			return nil, fmt.Errorf("scan trends: %w", err)
		}
		r.Total = core.NewMoney(total, cur)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query trends: %w", err)
	}
	return records, nil
}
