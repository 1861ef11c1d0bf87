package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"budgetmirror/internal/core"
)

const selectBudgetSummary = `
SELECT id, name, last_modified_on, first_month, last_month, currency_iso_code, currency_decimal_digits
FROM budget_summaries`

// BudgetSummaries returns every stored budget ordered by name.
func (s *Store) BudgetSummaries(ctx context.Context) ([]core.BudgetSummary, error) {
	rows, err := s.reader.QueryContext(ctx, selectBudgetSummary+` ORDER BY name, id`)
	if err != nil {
		return nil, wrap("list budgets", err)
	}
	defer rows.Close()

	var budgets []core.BudgetSummary
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, wrap("scan budget", err)
		}
		budgets = append(budgets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list budgets", err)
	}
	return budgets, nil
}

// BudgetSummary returns one budget or an error matching ErrNotFound.
func (s *Store) BudgetSummary(ctx context.Context, budgetID string) (core.BudgetSummary, error) {
	row := s.reader.QueryRowContext(ctx, selectBudgetSummary+` WHERE id = ?`, budgetID)
	b, err := scanBudget(row)
	if err != nil {
		return core.BudgetSummary{}, wrap("get budget "+budgetID, err)
	}
	return b, nil
}

func (s *Store) HasBudget(ctx context.Context, budgetID string) (bool, error) {
	var one int
	err := s.reader.QueryRowContext(ctx, `SELECT 1 FROM budget_summaries WHERE id = ?`, budgetID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("has budget", err)
	}
	return true, nil
}

func (s *Store) HasAccount(ctx context.Context, budgetID, accountID string) (bool, error) {
	var one int
	err := s.reader.QueryRowContext(ctx,
		`SELECT 1 FROM accounts WHERE budget_id = ? AND id = ?`, budgetID, accountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("has account", err)
	}
	return true, nil
}

func (s *Store) Accounts(ctx context.Context, budgetID string) ([]core.Account, error) {
	rows, err := s.reader.QueryContext(ctx, `
SELECT id, budget_id, name, on_budget, closed, deleted
FROM accounts WHERE budget_id = ? ORDER BY name, id`, budgetID)
	if err != nil {
		return nil, wrap("list accounts", err)
	}
	defer rows.Close()

	var accounts []core.Account
	for rows.Next() {
		var a core.Account
		if err := rows.Scan(&a.ID, &a.BudgetID, &a.Name, &a.OnBudget, &a.Closed, &a.Deleted); err != nil {
			return nil, wrap("scan account", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list accounts", err)
	}
	return accounts, nil
}

func (s *Store) CategoryGroups(ctx context.Context, budgetID string) ([]core.CategoryGroup, error) {
	rows, err := s.reader.QueryContext(ctx, `
SELECT id, budget_id, name, hidden, deleted
FROM category_groups WHERE budget_id = ? ORDER BY name, id`, budgetID)
	if err != nil {
		return nil, wrap("list category groups", err)
	}
	defer rows.Close()

	var groups []core.CategoryGroup
	for rows.Next() {
		var g core.CategoryGroup
		if err := rows.Scan(&g.ID, &g.BudgetID, &g.Name, &g.Hidden, &g.Deleted); err != nil {
			return nil, wrap("scan category group", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list category groups", err)
	}
	return groups, nil
}

func (s *Store) Categories(ctx context.Context, budgetID string) ([]core.Category, error) {
	rows, err := s.reader.QueryContext(ctx, `
SELECT id, category_group_id, budget_id, name, hidden, deleted, note
FROM categories WHERE budget_id = ? ORDER BY name, id`, budgetID)
	if err != nil {
		return nil, wrap("list categories", err)
	}
	defer rows.Close()

	var categories []core.Category
	for rows.Next() {
		var (
			c    core.Category
			note sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.CategoryGroupID, &c.BudgetID, &c.Name, &c.Hidden, &c.Deleted, &note); err != nil {
			return nil, wrap("scan category", err)
		}
		c.Note = note.String
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list categories", err)
	}
	return categories, nil
}

// Transactions returns the stored entries of a budget, including soft
// deleted ones, ordered by date then id.
func (s *Store) Transactions(ctx context.Context, budgetID string) ([]core.TransactionEntry, error) {
	rows, err := s.reader.QueryContext(ctx, `
SELECT id, budget_id, date, amount, currency_code, account_id, account_name,
       category_id, category_name, category_group_id, category_group_name,
       transfer_account_id, payee_name, memo, deleted
FROM transactions WHERE budget_id = ? ORDER BY date, id`, budgetID)
	if err != nil {
		return nil, wrap("list transactions", err)
	}
	defer rows.Close()

	var entries []core.TransactionEntry
	for rows.Next() {
		var (
			e                                              core.TransactionEntry
			date                                           string
			catID, catName, groupID, groupName, transferID sql.NullString
			payee, memo                                    sql.NullString
		)
		err := rows.Scan(&e.ID, &e.BudgetID, &date, &e.Amount, &e.CurrencyCode, &e.AccountID, &e.AccountName,
			&catID, &catName, &groupID, &groupName, &transferID, &payee, &memo, &e.Deleted)
		if err != nil {
			return nil, wrap("scan transaction", err)
		}
		if e.Date, err = core.ParseDate(date); err != nil {
			return nil, newError("scan transaction "+e.ID, KindInvalid, err)
		}
		e.CategoryID = catID.String
		e.CategoryName = catName.String
		e.CategoryGroupID = groupID.String
		e.CategoryGroupName = groupName.String
		e.TransferAccountID = transferID.String
		e.PayeeName = payee.String
		e.Memo = memo.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list transactions", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBudget(row scanner) (core.BudgetSummary, error) {
	var (
		b                               core.BudgetSummary
		modified, firstMonth, lastMonth sql.NullString
	)
	err := row.Scan(&b.ID, &b.Name, &modified, &firstMonth, &lastMonth,
		&b.Currency.ISOCode, &b.Currency.DecimalDigits)
	if err != nil {
		return b, err
	}
	if modified.Valid {
		t, err := time.Parse(time.RFC3339, modified.String)
		if err != nil {
			return b, fmt.Errorf("budget %s last_modified_on: %w", b.ID, err)
		}
		b.LastModifiedOn = t
	}
	if firstMonth.Valid {
		if b.FirstMonth, err = core.ParseDate(firstMonth.String); err != nil {
			return b, err
		}
	}
	if lastMonth.Valid {
		if b.LastMonth, err = core.ParseDate(lastMonth.String); err != nil {
			return b, err
		}
	}
	return b, nil
}
