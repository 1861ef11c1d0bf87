package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"budgetmirror/internal/core"
)

// Knowledge is the pair of cursors stored for one budget.
type Knowledge struct {
	Categories   core.Cursor
	Transactions core.Cursor
}

// KnowledgeTracker reads and advances the per-budget server knowledge
// cursors. Cursors only move forward.
type KnowledgeTracker struct {
	store *Store
}

func NewKnowledgeTracker(store *Store) *KnowledgeTracker {
	return &KnowledgeTracker{store: store}
}

func cursorColumn(kind core.ResourceKind) (string, error) {
	switch kind {
	case core.KindCategories:
		return "categories", nil
	case core.KindTransactions:
		return "transactions", nil
	default:
		return "", newError("cursor column", KindInvalid, fmt.Errorf("%w: %q", core.ErrInvalidKind, kind))
	}
}

// Cursor returns the stored cursor for kind. A budget that was never synced
// yields the zero Cursor and no error.
func (k *KnowledgeTracker) Cursor(ctx context.Context, budgetID string, kind core.ResourceKind) (core.Cursor, error) {
	col, err := cursorColumn(kind)
	if err != nil {
		return core.Cursor{}, err
	}
	var v sql.NullInt64
	err = k.store.reader.QueryRowContext(ctx,
		`SELECT `+col+` FROM server_knowledge WHERE budget_id = ?`, budgetID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Cursor{}, nil
	}
	if err != nil {
		return core.Cursor{}, wrap("read cursor", err)
	}
	if !v.Valid {
		return core.Cursor{}, nil
	}
	return core.CursorAt(v.Int64), nil
}

// Knowledge returns both cursors of budgetID.
func (k *KnowledgeTracker) Knowledge(ctx context.Context, budgetID string) (Knowledge, error) {
	var cats, txs sql.NullInt64
	err := k.store.reader.QueryRowContext(ctx,
		`SELECT categories, transactions FROM server_knowledge WHERE budget_id = ?`, budgetID).Scan(&cats, &txs)
	if errors.Is(err, sql.ErrNoRows) {
		return Knowledge{}, nil
	}
	if err != nil {
		return Knowledge{}, wrap("read knowledge", err)
	}
	var out Knowledge
	if cats.Valid {
		out.Categories = core.CursorAt(cats.Int64)
	}
	if txs.Valid {
		out.Transactions = core.CursorAt(txs.Int64)
	}
	return out, nil
}

// Advance stores value in its own transaction.
func (k *KnowledgeTracker) Advance(ctx context.Context, budgetID string, kind core.ResourceKind, value int64) error {
	return k.store.Perform(ctx, func(tx *Tx) error {
		return tx.AdvanceCursor(ctx, budgetID, kind, value)
	})
}

// AdvanceTx stores value as part of tx, so the cursor becomes durable
// together with the writes it covers.
func (k *KnowledgeTracker) AdvanceTx(ctx context.Context, tx *Tx, budgetID string, kind core.ResourceKind, value int64) error {
	return tx.AdvanceCursor(ctx, budgetID, kind, value)
}

// ResetAll clears every cursor, forcing the next pass to fetch everything.
func (k *KnowledgeTracker) ResetAll(ctx context.Context) error {
	return k.store.Perform(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE server_knowledge SET categories = NULL, transactions = NULL`); err != nil {
			return wrap("reset cursors", err)
		}
		return nil
	})
}

// AdvanceCursor writes a new cursor value. Negative values and values lower
// than the stored one are rejected.
func (t *Tx) AdvanceCursor(ctx context.Context, budgetID string, kind core.ResourceKind, value int64) error {
	col, err := cursorColumn(kind)
	if err != nil {
		return err
	}
	if value < 0 {
		return newError("advance cursor", KindInvalid, fmt.Errorf("negative cursor %d for %s/%s", value, budgetID, kind))
	}

	var current sql.NullInt64
	err = t.tx.QueryRowContext(ctx,
		`SELECT `+col+` FROM server_knowledge WHERE budget_id = ?`, budgetID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return wrap("read cursor", err)
	}
	if current.Valid && value < current.Int64 {
		return newError("advance cursor", KindInvalid,
			fmt.Errorf("cursor for %s/%s would regress from %d to %d", budgetID, kind, current.Int64, value))
	}

	q := `INSERT INTO server_knowledge (budget_id, ` + col + `) VALUES (?, ?)
ON CONFLICT(budget_id) DO UPDATE SET ` + col + ` = excluded.` + col
	if _, err := t.tx.ExecContext(ctx, q, budgetID, value); err != nil {
		return wrap("advance cursor", err)
	}
	return nil
}
