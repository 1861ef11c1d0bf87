// Package remote defines the port through which the mirror pulls data from
// the remote budgeting service.
package remote

import (
	"context"
	"errors"

	"budgetmirror/internal/core"
)

// ErrUnavailable marks transport failures that are expected to clear on a
// later attempt.
var ErrUnavailable = errors.New("remote source unavailable")

type (
	// CategoryDelta is the full current category tree of a budget, returned
	// whenever anything in it changed since the requested cursor.
	CategoryDelta struct {
		Groups     []core.CategoryGroup
		Categories []core.Category
		Cursor     int64
	}

	// TransactionDelta holds entries created, changed or soft deleted since
	// the requested cursor.
	TransactionDelta struct {
		Entries []core.TransactionEntry
		Cursor  int64
	}
)

// Empty reports whether the delta carries no groups and no categories.
func (d CategoryDelta) Empty() bool {
	return len(d.Groups) == 0 && len(d.Categories) == 0
}

func (d TransactionDelta) Empty() bool {
	return len(d.Entries) == 0
}

// Ports for inbound adapters.
type (
	BudgetLister interface {
		FetchBudgetSummaries(ctx context.Context) ([]core.BudgetSummary, error)
	}

	// CategoryFetcher returns the category delta since cursor. An invalid
	// cursor asks for everything.
	CategoryFetcher interface {
		FetchCategoryDelta(ctx context.Context, budgetID string, cursor core.Cursor) (CategoryDelta, error)
	}

	TransactionFetcher interface {
		FetchTransactionDelta(ctx context.Context, budgetID string, cursor core.Cursor) (TransactionDelta, error)
	}

	// Source is everything the sync coordinator needs from the remote side.
	Source interface {
		BudgetLister
		CategoryFetcher
		TransactionFetcher
	}
)
