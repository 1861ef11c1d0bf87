package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"budgetmirror/internal/core"
)

func TestCursorAbsentUntilAdvanced(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedBudget(t, store, "b1")
	tracker := NewKnowledgeTracker(store)

	c, err := tracker.Cursor(ctx, "b1", core.KindCategories)
	require.NoError(t, err)
	assert.False(t, c.Valid)

	require.NoError(t, tracker.Advance(ctx, "b1", core.KindCategories, 42))

	c, err = tracker.Cursor(ctx, "b1", core.KindCategories)
	require.NoError(t, err)
	assert.Equal(t, core.CursorAt(42), c)

	// kinds are independent
	c, err = tracker.Cursor(ctx, "b1", core.KindTransactions)
	require.NoError(t, err)
	assert.False(t, c.Valid)
}

func TestAdvanceRejectsRegressionAndNegative(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedBudget(t, store, "b1")
	tracker := NewKnowledgeTracker(store)

	require.NoError(t, tracker.Advance(ctx, "b1", core.KindTransactions, 10))
	require.NoError(t, tracker.Advance(ctx, "b1", core.KindTransactions, 10))

	assert.ErrorIs(t, tracker.Advance(ctx, "b1", core.KindTransactions, 9), ErrInvalid)
	assert.ErrorIs(t, tracker.Advance(ctx, "b1", core.KindTransactions, -1), ErrInvalid)
	assert.ErrorIs(t, tracker.Advance(ctx, "b1", core.ResourceKind("payees"), 1), ErrInvalid)

	c, err := tracker.Cursor(ctx, "b1", core.KindTransactions)
	require.NoError(t, err)
	assert.Equal(t, int64(10), c.Value)
}

func TestAdvanceUnknownBudgetViolatesForeignKey(t *testing.T) {
	store := openTestStore(t)
	err := NewKnowledgeTracker(store).Advance(context.Background(), "ghost", core.KindCategories, 1)
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestAdvanceTxCommitsWithWrites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedBudget(t, store, "b1")
	tracker := NewKnowledgeTracker(store)

	err := store.Perform(ctx, func(tx *Tx) error {
		if err := tx.UpsertTransactions(ctx, []core.TransactionEntry{entry("t1", "b1", -100)}); err != nil {
			return err
		}
		return tracker.AdvanceTx(ctx, tx, "b1", core.KindTransactions, 5)
	})
	require.NoError(t, err)

	k, err := tracker.Knowledge(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, core.CursorAt(5), k.Transactions)
	assert.False(t, k.Categories.Valid)
}

func TestResetAll(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedBudget(t, store, "b1")
	tracker := NewKnowledgeTracker(store)
	require.NoError(t, tracker.Advance(ctx, "b1", core.KindCategories, 3))
	require.NoError(t, tracker.Advance(ctx, "b1", core.KindTransactions, 4))

	require.NoError(t, tracker.ResetAll(ctx))

	k, err := tracker.Knowledge(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, Knowledge{}, k)

	// after a reset any value is accepted again
	require.NoError(t, tracker.Advance(ctx, "b1", core.KindCategories, 1))
}
