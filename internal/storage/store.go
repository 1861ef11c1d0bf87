// Package storage persists the mirrored budget data in SQLite.
//
// A single writer connection serializes every mutation; reads go through a
// separate pool so reports never wait behind a sync pass.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"budgetmirror/internal/core"
)

const readerPoolSize = 4

type Store struct {
	path   string
	writer *sql.DB
	reader *sql.DB
}

// dsn builds a modernc connection string. Foreign keys are per-connection in
// SQLite, so every connection enables them through the pragma list.
func dsn(dbPath string, writer bool) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	if writer {
		q.Set("_txlock", "immediate")
	}
	return "file:" + dbPath + "?" + q.Encode()
}

// Open creates the database file if needed, applies migrations and returns
// a ready Store.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, newError("create db directory", KindIO, err)
	}

	writer, err := sql.Open("sqlite", dsn(dbPath, true))
	if err != nil {
		return nil, newError("open writer", KindIO, err)
	}
	writer.SetMaxOpenConns(1)

	if err := writer.PingContext(ctx); err != nil {
		writer.Close()
		return nil, newError("ping writer", KindIO, err)
	}

	if err := RunMigrations(dbPath); err != nil {
		writer.Close()
		return nil, err
	}

	reader, err := sql.Open("sqlite", dsn(dbPath, false))
	if err != nil {
		writer.Close()
		return nil, newError("open reader", KindIO, err)
	}
	reader.SetMaxOpenConns(readerPoolSize)

	slog.InfoContext(ctx, "Store opened", "path", dbPath)

	return &Store{path: dbPath, writer: writer, reader: reader}, nil
}

// Migrate re-applies pending migrations. Open already does this; it is kept
// for callers that manage the schema explicitly.
func (s *Store) Migrate(ctx context.Context) error {
	return RunMigrations(s.path)
}

func (s *Store) Close() error {
	var firstErr error
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			firstErr = err
		}
	}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reader exposes the read pool for query engines living in other packages.
func (s *Store) Reader() *sql.DB {
	return s.reader
}

// Perform runs work inside one write transaction. The transaction commits
// only if work returns nil; any error rolls everything back.
func (s *Store) Perform(ctx context.Context, work func(tx *Tx) error) error {
	sqlTx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin", err)
	}
	defer sqlTx.Rollback()

	if err := work(&Tx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

// Save upserts records of any supported type in one transaction. Slices of
// supported types are accepted as well.
func (s *Store) Save(ctx context.Context, records ...any) error {
	return s.Perform(ctx, func(tx *Tx) error {
		for _, r := range records {
			if err := tx.save(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tx is a write transaction handed to Perform callbacks.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) save(ctx context.Context, record any) error {
	switch r := record.(type) {
	case core.BudgetSummary:
		return t.UpsertBudgetSummaries(ctx, []core.BudgetSummary{r})
	case []core.BudgetSummary:
		return t.UpsertBudgetSummaries(ctx, r)
	case core.Account:
		return t.UpsertAccounts(ctx, []core.Account{r})
	case []core.Account:
		return t.UpsertAccounts(ctx, r)
	case core.CategoryGroup:
		return t.UpsertCategoryGroups(ctx, []core.CategoryGroup{r})
	case []core.CategoryGroup:
		return t.UpsertCategoryGroups(ctx, r)
	case core.Category:
		return t.UpsertCategories(ctx, []core.Category{r})
	case []core.Category:
		return t.UpsertCategories(ctx, r)
	case core.TransactionEntry:
		return t.UpsertTransactions(ctx, []core.TransactionEntry{r})
	case []core.TransactionEntry:
		return t.UpsertTransactions(ctx, r)
	default:
		return newError("save", KindInvalid, fmt.Errorf("unsupported record type %T", record))
	}
}

const upsertBudgetSummary = `
INSERT INTO budget_summaries (id, name, last_modified_on, first_month, last_month, currency_iso_code, currency_decimal_digits)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    name = excluded.name,
    last_modified_on = excluded.last_modified_on,
    first_month = excluded.first_month,
    last_month = excluded.last_month,
    currency_iso_code = excluded.currency_iso_code,
    currency_decimal_digits = excluded.currency_decimal_digits`

// UpsertBudgetSummaries inserts or updates budgets by id. Existing rows are
// updated in place so dependent rows survive.
func (t *Tx) UpsertBudgetSummaries(ctx context.Context, budgets []core.BudgetSummary) error {
	stmt, err := t.tx.PrepareContext(ctx, upsertBudgetSummary)
	if err != nil {
		return wrap("prepare budget upsert", err)
	}
	defer stmt.Close()

	for _, b := range budgets {
		if err := b.Validate(); err != nil {
			return newError("upsert budget", KindInvalid, fmt.Errorf("budget %q: %w", b.ID, err))
		}
		_, err := stmt.ExecContext(ctx,
			b.ID, b.Name, nullTime(b.LastModifiedOn),
			nullString(b.FirstMonth.String()), nullString(b.LastMonth.String()),
			b.Currency.ISOCode, b.Currency.DecimalDigits)
		if err != nil {
			return wrap("upsert budget "+b.ID, err)
		}
	}
	return nil
}

const upsertAccount = `
INSERT INTO accounts (id, budget_id, name, on_budget, closed, deleted)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(budget_id, id) DO UPDATE SET
    name = excluded.name,
    on_budget = excluded.on_budget,
    closed = excluded.closed,
    deleted = excluded.deleted`

func (t *Tx) UpsertAccounts(ctx context.Context, accounts []core.Account) error {
	stmt, err := t.tx.PrepareContext(ctx, upsertAccount)
	if err != nil {
		return wrap("prepare account upsert", err)
	}
	defer stmt.Close()

	for _, a := range accounts {
		if a.ID == "" || a.BudgetID == "" {
			return newError("upsert account", KindInvalid, core.ErrEmptyID)
		}
		if _, err := stmt.ExecContext(ctx, a.ID, a.BudgetID, a.Name, a.OnBudget, a.Closed, a.Deleted); err != nil {
			return wrap("upsert account "+a.ID, err)
		}
	}
	return nil
}

// ReplaceAccounts makes accounts the complete account set of budgetID.
func (t *Tx) ReplaceAccounts(ctx context.Context, budgetID string, accounts []core.Account) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM accounts WHERE budget_id = ?`, budgetID); err != nil {
		return wrap("delete accounts", err)
	}
	owned := make([]core.Account, len(accounts))
	for i, a := range accounts {
		a.BudgetID = budgetID
		owned[i] = a
	}
	return t.UpsertAccounts(ctx, owned)
}

const upsertCategoryGroup = `
INSERT INTO category_groups (id, budget_id, name, hidden, deleted)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(budget_id, id) DO UPDATE SET
    name = excluded.name,
    hidden = excluded.hidden,
    deleted = excluded.deleted`

func (t *Tx) UpsertCategoryGroups(ctx context.Context, groups []core.CategoryGroup) error {
	stmt, err := t.tx.PrepareContext(ctx, upsertCategoryGroup)
	if err != nil {
		return wrap("prepare category group upsert", err)
	}
	defer stmt.Close()

	for _, g := range groups {
		if g.ID == "" || g.BudgetID == "" {
			return newError("upsert category group", KindInvalid, core.ErrEmptyID)
		}
		if _, err := stmt.ExecContext(ctx, g.ID, g.BudgetID, g.Name, g.Hidden, g.Deleted); err != nil {
			return wrap("upsert category group "+g.ID, err)
		}
	}
	return nil
}

const upsertCategory = `
INSERT INTO categories (id, category_group_id, budget_id, name, hidden, deleted, note)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(budget_id, id) DO UPDATE SET
    category_group_id = excluded.category_group_id,
    name = excluded.name,
    hidden = excluded.hidden,
    deleted = excluded.deleted,
    note = excluded.note`

func (t *Tx) UpsertCategories(ctx context.Context, categories []core.Category) error {
	stmt, err := t.tx.PrepareContext(ctx, upsertCategory)
	if err != nil {
		return wrap("prepare category upsert", err)
	}
	defer stmt.Close()

	for _, c := range categories {
		if c.ID == "" || c.BudgetID == "" {
			return newError("upsert category", KindInvalid, core.ErrEmptyID)
		}
		_, err := stmt.ExecContext(ctx,
			c.ID, c.CategoryGroupID, c.BudgetID, c.Name, c.Hidden, c.Deleted, nullString(c.Note))
		if err != nil {
			return wrap("upsert category "+c.ID, err)
		}
	}
	return nil
}

// ReplaceCategories swaps the whole category tree of budgetID. Deleting the
// groups cascades to their categories.
func (t *Tx) ReplaceCategories(ctx context.Context, budgetID string, groups []core.CategoryGroup, categories []core.Category) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM category_groups WHERE budget_id = ?`, budgetID); err != nil {
		return wrap("delete category groups", err)
	}
	ownedGroups := make([]core.CategoryGroup, len(groups))
	for i, g := range groups {
		g.BudgetID = budgetID
		ownedGroups[i] = g
	}
	ownedCategories := make([]core.Category, len(categories))
	for i, c := range categories {
		c.BudgetID = budgetID
		ownedCategories[i] = c
	}
	if err := t.UpsertCategoryGroups(ctx, ownedGroups); err != nil {
		return err
	}
	return t.UpsertCategories(ctx, ownedCategories)
}

const upsertTransaction = `
INSERT INTO transactions (
    id, budget_id, date, amount, currency_code, account_id, account_name,
    category_id, category_name, category_group_id, category_group_name,
    transfer_account_id, payee_name, memo, deleted
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    budget_id = excluded.budget_id,
    date = excluded.date,
    amount = excluded.amount,
    currency_code = excluded.currency_code,
    account_id = excluded.account_id,
    account_name = excluded.account_name,
    category_id = excluded.category_id,
    category_name = excluded.category_name,
    category_group_id = excluded.category_group_id,
    category_group_name = excluded.category_group_name,
    transfer_account_id = excluded.transfer_account_id,
    payee_name = excluded.payee_name,
    memo = excluded.memo,
    deleted = excluded.deleted`

// UpsertTransactions inserts or updates transactions by id. Soft-deleted
// entries are stored with deleted = 1 rather than removed.
func (t *Tx) UpsertTransactions(ctx context.Context, entries []core.TransactionEntry) error {
	stmt, err := t.tx.PrepareContext(ctx, upsertTransaction)
	if err != nil {
		return wrap("prepare transaction upsert", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return newError("upsert transaction", KindInvalid, err)
		}
		_, err := stmt.ExecContext(ctx,
			e.ID, e.BudgetID, e.Date.String(), e.Amount, e.CurrencyCode,
			e.AccountID, e.AccountName,
			nullString(e.CategoryID), nullString(e.CategoryName),
			nullString(e.CategoryGroupID), nullString(e.CategoryGroupName),
			nullString(e.TransferAccountID), nullString(e.PayeeName), nullString(e.Memo),
			e.Deleted)
		if err != nil {
			return wrap("upsert transaction "+e.ID, err)
		}
	}
	return nil
}

// DeleteBudget removes a budget and, through cascading foreign keys, every
// row that belongs to it.
func (t *Tx) DeleteBudget(ctx context.Context, budgetID string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM budget_summaries WHERE id = ?`, budgetID)
	if err != nil {
		return wrap("delete budget", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newError("delete budget "+budgetID, KindNotFound, nil)
	}
	return nil
}

// PruneBudgets deletes every budget whose id is not in keep and returns how
// many were removed. An empty keep set is rejected.
func (t *Tx) PruneBudgets(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		return 0, newError("prune budgets", KindInvalid, fmt.Errorf("refusing to prune with empty keep set"))
	}
	args := make([]any, len(keep))
	for i, id := range keep {
		args[i] = id
	}
	q := `DELETE FROM budget_summaries WHERE id NOT IN (` + placeholders(len(keep)) + `)`
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, wrap("prune budgets", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
