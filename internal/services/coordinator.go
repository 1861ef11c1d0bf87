package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"budgetmirror/internal/core"
	"budgetmirror/internal/log"
	"budgetmirror/internal/remote"
	"budgetmirror/internal/storage"
)

// Stage is one step of a refresh pass. Stages always run in the order
// budgets, categories, transactions.
type Stage string

const (
	StageBudgets      Stage = "budget_summaries"
	StageCategories   Stage = "categories"
	StageTransactions Stage = "transactions"
)

var (
	// ErrSyncFailed is what callers outside the sync layer should match on;
	// every StageError satisfies errors.Is(err, ErrSyncFailed).
	ErrSyncFailed = errors.New("sync failed, try again")

	ErrNoBudgets       = errors.New("remote source returned no budgets")
	ErrMalformedCursor = errors.New("malformed cursor")
)

// IsPermanent reports whether err will fail the same way on an immediate
// retry: the remote account holds no budgets or sent malformed data.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNoBudgets) ||
		errors.Is(err, ErrMalformedCursor) ||
		errors.Is(err, core.ErrInvalidCurrency)
}

// StageError records where a refresh pass stopped.
type StageError struct {
	Stage    Stage
	BudgetID string
	Cursor   core.Cursor
	Err      error
}

func (e *StageError) Error() string {
	if e.BudgetID == "" {
		return fmt.Sprintf("sync %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("sync %s for budget %s (cursor %s): %v", e.Stage, e.BudgetID, e.Cursor, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func (e *StageError) Is(target error) bool {
	return target == ErrSyncFailed
}

// RefreshOptions tunes a single pass.
type RefreshOptions struct {
	// PruneMissing deletes local budgets the remote source no longer lists.
	PruneMissing bool

	// BudgetIDs limits the categories and transactions stages to these
	// budgets. Empty means every budget.
	BudgetIDs []string
}

// StageOutcome describes one executed stage.
type StageOutcome struct {
	Stage    Stage
	BudgetID string
	Records  int
	Cursor   core.Cursor
	Skipped  bool
}

// PassResult summarizes a pass, including the stages that completed before
// a failure.
type PassResult struct {
	Budgets    int
	Pruned     []string
	Outcomes   []StageOutcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// Committed reports whether any stage wrote to the store.
func (r *PassResult) Committed() bool {
	for _, o := range r.Outcomes {
		if !o.Skipped {
			return true
		}
	}
	return len(r.Pruned) > 0
}

// CommitHook is called after a stage for budgetID commits.
type CommitHook func(ctx context.Context, budgetID string)

// Coordinator pulls budgets, categories and transactions from a remote
// source into the store. It does not guard against concurrent passes;
// callers must run at most one Refresh at a time.
type Coordinator struct {
	store     *storage.Store
	knowledge *storage.KnowledgeTracker
	source    remote.Source
	logger    *log.StructuredLogger

	mu    sync.RWMutex
	hooks []CommitHook

	now func() time.Time
}

func NewCoordinator(store *storage.Store, source remote.Source) *Coordinator {
	return &Coordinator{
		store:     store,
		knowledge: storage.NewKnowledgeTracker(store),
		source:    source,
		logger:    log.NewStructuredLogger(log.Default(log.ComponentSync)),
		now:       time.Now,
	}
}

// OnCommit registers a hook fired after every committed stage.
func (c *Coordinator) OnCommit(hook CommitHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

func (c *Coordinator) committed(ctx context.Context, budgetID string) {
	c.mu.RLock()
	hooks := append([]CommitHook(nil), c.hooks...)
	c.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, budgetID)
	}
}

// Refresh runs one pass. The first failing stage aborts the pass; stages
// committed before it stay committed, and the returned PassResult lists
// them.
func (c *Coordinator) Refresh(ctx context.Context, opts RefreshOptions) (*PassResult, error) {
	result := &PassResult{StartedAt: c.now()}
	defer func() { result.FinishedAt = c.now() }()

	budgets, err := c.refreshBudgets(ctx, opts, result)
	if err != nil {
		return result, err
	}

	for _, b := range selectBudgets(budgets, opts.BudgetIDs) {
		outcome, err := c.refreshCategories(ctx, b)
		if err != nil {
			return result, err
		}
		result.Outcomes = append(result.Outcomes, outcome)

		outcome, err = c.refreshTransactions(ctx, b)
		if err != nil {
			return result, err
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	slog.InfoContext(ctx, "Refresh pass completed",
		log.FieldComponent, log.ComponentSync,
		"budgets", result.Budgets,
		"pruned", len(result.Pruned),
		"duration", c.now().Sub(result.StartedAt))

	return result, nil
}

// ForceFullResync clears every cursor and runs a pass that also prunes
// budgets deleted remotely. Used after the user logs in again.
func (c *Coordinator) ForceFullResync(ctx context.Context) (*PassResult, error) {
	if err := c.knowledge.ResetAll(ctx); err != nil {
		return nil, c.fail(ctx, StageBudgets, "", core.Cursor{}, fmt.Errorf("reset cursors: %w", err))
	}
	slog.InfoContext(ctx, "Cursors reset for full resync", log.FieldComponent, log.ComponentSync)
	return c.Refresh(ctx, RefreshOptions{PruneMissing: true})
}

func (c *Coordinator) refreshBudgets(ctx context.Context, opts RefreshOptions, result *PassResult) ([]core.BudgetSummary, error) {
	budgets, err := c.source.FetchBudgetSummaries(ctx)
	if err != nil {
		return nil, c.fail(ctx, StageBudgets, "", core.Cursor{}, err)
	}
	if len(budgets) == 0 {
		return nil, c.fail(ctx, StageBudgets, "", core.Cursor{}, ErrNoBudgets)
	}

	var stale []string
	if opts.PruneMissing {
		if stale, err = c.staleBudgets(ctx, budgets); err != nil {
			return nil, c.fail(ctx, StageBudgets, "", core.Cursor{}, err)
		}
	}

	keep := make([]string, 0, len(budgets))
	for _, b := range budgets {
		keep = append(keep, b.ID)
	}

	err = c.store.Perform(ctx, func(tx *storage.Tx) error {
		if err := tx.UpsertBudgetSummaries(ctx, budgets); err != nil {
			return err
		}
		for _, b := range budgets {
			if err := tx.ReplaceAccounts(ctx, b.ID, b.Accounts); err != nil {
				return err
			}
		}
		if len(stale) > 0 {
			if _, err := tx.PruneBudgets(ctx, keep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, c.fail(ctx, StageBudgets, "", core.Cursor{}, err)
	}

	result.Budgets = len(budgets)
	result.Pruned = stale
	result.Outcomes = append(result.Outcomes, StageOutcome{Stage: StageBudgets, Records: len(budgets)})
	c.logger.LogStageCommitted(ctx, string(StageBudgets), "", core.Cursor{}.String(), len(budgets))

	for _, b := range budgets {
		c.committed(ctx, b.ID)
	}
	for _, id := range stale {
		c.committed(ctx, id)
	}
	return budgets, nil
}

func (c *Coordinator) staleBudgets(ctx context.Context, remoteBudgets []core.BudgetSummary) ([]string, error) {
	local, err := c.store.BudgetSummaries(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(remoteBudgets))
	for _, b := range remoteBudgets {
		seen[b.ID] = struct{}{}
	}
	var stale []string
	for _, b := range local {
		if _, ok := seen[b.ID]; !ok {
			stale = append(stale, b.ID)
		}
	}
	return stale, nil
}

func (c *Coordinator) refreshCategories(ctx context.Context, b core.BudgetSummary) (StageOutcome, error) {
	outcome := StageOutcome{Stage: StageCategories, BudgetID: b.ID}

	cursor, err := c.knowledge.Cursor(ctx, b.ID, core.KindCategories)
	if err != nil {
		return outcome, c.fail(ctx, StageCategories, b.ID, cursor, err)
	}
	outcome.Cursor = cursor

	delta, err := c.source.FetchCategoryDelta(ctx, b.ID, cursor)
	if err != nil {
		return outcome, c.fail(ctx, StageCategories, b.ID, cursor, err)
	}
	if err := checkCursor(cursor, delta.Cursor); err != nil {
		return outcome, c.fail(ctx, StageCategories, b.ID, cursor, err)
	}

	// An empty delta leaves the cursor where it is so the next pass asks
	// again from the same point.
	if delta.Empty() {
		outcome.Skipped = true
		slog.DebugContext(ctx, "Categories unchanged",
			log.FieldBudgetID, b.ID, log.FieldCursor, cursor.String(), "remote_cursor", delta.Cursor)
		return outcome, nil
	}

	err = c.store.Perform(ctx, func(tx *storage.Tx) error {
		if err := tx.ReplaceCategories(ctx, b.ID, delta.Groups, delta.Categories); err != nil {
			return err
		}
		return c.knowledge.AdvanceTx(ctx, tx, b.ID, core.KindCategories, delta.Cursor)
	})
	if err != nil {
		return outcome, c.fail(ctx, StageCategories, b.ID, cursor, err)
	}

	outcome.Records = len(delta.Groups) + len(delta.Categories)
	outcome.Cursor = core.CursorAt(delta.Cursor)
	c.logger.LogStageCommitted(ctx, string(StageCategories), b.ID, outcome.Cursor.String(), outcome.Records)
	c.committed(ctx, b.ID)
	return outcome, nil
}

func (c *Coordinator) refreshTransactions(ctx context.Context, b core.BudgetSummary) (StageOutcome, error) {
	outcome := StageOutcome{Stage: StageTransactions, BudgetID: b.ID}

	cursor, err := c.knowledge.Cursor(ctx, b.ID, core.KindTransactions)
	if err != nil {
		return outcome, c.fail(ctx, StageTransactions, b.ID, cursor, err)
	}
	outcome.Cursor = cursor

	delta, err := c.source.FetchTransactionDelta(ctx, b.ID, cursor)
	if err != nil {
		return outcome, c.fail(ctx, StageTransactions, b.ID, cursor, err)
	}
	if err := checkCursor(cursor, delta.Cursor); err != nil {
		return outcome, c.fail(ctx, StageTransactions, b.ID, cursor, err)
	}
	if delta.Empty() {
		outcome.Skipped = true
		return outcome, nil
	}

	entries, err := c.enrich(ctx, b, delta.Entries)
	if err != nil {
		return outcome, c.fail(ctx, StageTransactions, b.ID, cursor, err)
	}

	err = c.store.Perform(ctx, func(tx *storage.Tx) error {
		if err := tx.UpsertTransactions(ctx, entries); err != nil {
			return err
		}
		return c.knowledge.AdvanceTx(ctx, tx, b.ID, core.KindTransactions, delta.Cursor)
	})
	if err != nil {
		return outcome, c.fail(ctx, StageTransactions, b.ID, cursor, err)
	}

	outcome.Records = len(entries)
	outcome.Cursor = core.CursorAt(delta.Cursor)
	c.logger.LogStageCommitted(ctx, string(StageTransactions), b.ID, outcome.Cursor.String(), outcome.Records)
	c.committed(ctx, b.ID)
	return outcome, nil
}

// enrich fills the denormalized fields the remote source leaves out: the
// category group of each categorized entry, resolved against the category
// tree stored at this moment, and a missing currency code.
func (c *Coordinator) enrich(ctx context.Context, b core.BudgetSummary, entries []core.TransactionEntry) ([]core.TransactionEntry, error) {
	groups, err := c.store.CategoryGroups(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	categories, err := c.store.Categories(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	groupNames := make(map[string]string, len(groups))
	for _, g := range groups {
		groupNames[g.ID] = g.Name
	}
	groupOf := make(map[string]string, len(categories))
	for _, cat := range categories {
		groupOf[cat.ID] = cat.CategoryGroupID
	}

	out := make([]core.TransactionEntry, len(entries))
	for i, e := range entries {
		e.BudgetID = b.ID
		if e.CurrencyCode == "" {
			e.CurrencyCode = b.Currency.ISOCode
		}
		if e.CategoryGroupID == "" && e.CategoryID != "" {
			if groupID, ok := groupOf[e.CategoryID]; ok {
				e.CategoryGroupID = groupID
				e.CategoryGroupName = groupNames[groupID]
			}
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func checkCursor(stored core.Cursor, received int64) error {
	if received < 0 {
		return fmt.Errorf("%w: negative value %d", ErrMalformedCursor, received)
	}
	if stored.Valid && received < stored.Value {
		return fmt.Errorf("%w: %d is behind stored %d", ErrMalformedCursor, received, stored.Value)
	}
	return nil
}

func (c *Coordinator) fail(ctx context.Context, stage Stage, budgetID string, cursor core.Cursor, err error) error {
	c.logger.LogStageFailed(ctx, string(stage), budgetID, cursor.String(), err)
	return &StageError{Stage: stage, BudgetID: budgetID, Cursor: cursor, Err: err}
}

func selectBudgets(budgets []core.BudgetSummary, ids []string) []core.BudgetSummary {
	if len(ids) == 0 {
		return budgets
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []core.BudgetSummary
	for _, b := range budgets {
		if _, ok := want[b.ID]; ok {
			out = append(out, b)
		}
	}
	return out
}
