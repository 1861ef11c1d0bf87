package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// InternalMasterCategory is the reserved group the remote source uses for
// its own bookkeeping categories. Only its "Uncategorized" category is
// reported.
const (
	InternalMasterCategory = "Internal Master Category"
	UncategorizedCategory  = "Uncategorized"
)

// ResourceKind identifies a cursor-tracked resource of the remote source.
type ResourceKind string

const (
	KindCategories   ResourceKind = "categories"
	KindTransactions ResourceKind = "transactions"
)

func (k ResourceKind) String() string {
	return string(k)
}

// IsValid reports whether k is one of the tracked kinds.
func (k ResourceKind) IsValid() bool {
	switch k {
	case KindCategories, KindTransactions:
		return true
	default:
		return false
	}
}

type (
	// BudgetSummary is the root of every other mirrored entity.
	BudgetSummary struct {
		ID             string
		Name           string
		LastModifiedOn time.Time
		FirstMonth     Date
		LastMonth      Date
		Currency       Currency

		// Accounts travel with the summaries when the remote source
		// returns them; they are not persisted as part of this row.
		Accounts []Account
	}

	Account struct {
		ID       string
		BudgetID string
		Name     string
		OnBudget bool
		Closed   bool
		Deleted  bool
	}

	CategoryGroup struct {
		ID       string
		BudgetID string
		Name     string
		Hidden   bool
		Deleted  bool
	}

	Category struct {
		ID              string
		CategoryGroupID string
		BudgetID        string
		Name            string
		Hidden          bool
		Deleted         bool
		Note            string
	}

	// TransactionEntry is a mirrored transaction. AccountName,
	// CategoryName and CategoryGroupName are copied at sync time and are
	// not updated when the account or category is later renamed.
	TransactionEntry struct {
		ID                string
		BudgetID          string
		Date              Date
		Amount            int64 // minor units
		CurrencyCode      string
		AccountID         string
		AccountName       string
		CategoryID        string
		CategoryName      string
		CategoryGroupID   string
		CategoryGroupName string
		TransferAccountID string
		PayeeName         string
		Memo              string
		Deleted           bool
	}

	// CategoryRecord is one row of a totals report.
	CategoryRecord struct {
		ID    string
		Name  string
		Total Money
	}

	// TrendRecord is one (month, name) point of a trend report. Totals
	// are sign-inverted so that spending is positive.
	TrendRecord struct {
		ID    string
		Name  string
		Month Date
		Total Money
	}
)

var (
	ErrEmptyID        = errors.New("empty id")
	ErrEmptyBudgetID  = errors.New("empty budget id")
	ErrInvalidRange   = errors.New("invalid date range")
	ErrInvalidKind    = errors.New("invalid resource kind")
	ErrMissingAccount = errors.New("transaction has no account")
)

func (b BudgetSummary) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return ErrEmptyID
	}
	return b.Currency.Validate()
}

func (t TransactionEntry) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return ErrEmptyID
	}
	if strings.TrimSpace(t.BudgetID) == "" {
		return ErrEmptyBudgetID
	}
	if strings.TrimSpace(t.AccountID) == "" {
		return fmt.Errorf("transaction %s: %w", t.ID, ErrMissingAccount)
	}
	if _, err := ParseCurrencyCode(t.CurrencyCode); err != nil {
		return fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	return t.Date.Validate()
}

// Date is a calendar day in UTC.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{Time: t}, nil
}

func (d Date) Validate() error {
	if d.IsZero() {
		return errors.New("date cannot be zero")
	}
	return nil
}

// String formats the date as YYYY-MM-DD, or "" for the zero date.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

// FirstOfMonth truncates d to the first day of its month.
func (d Date) FirstOfMonth() Date {
	return NewDate(d.Year(), int(d.Month()), 1)
}

// DateRange is an inclusive range of days.
type DateRange struct {
	From Date
	To   Date
}

// MonthRange returns the range covering the whole given month.
func MonthRange(year, month int) DateRange {
	from := NewDate(year, month, 1)
	return DateRange{From: from, To: Date{Time: from.AddDate(0, 1, -1)}}
}

func (r DateRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return ErrInvalidRange
	}
	if r.To.Before(r.From.Time) {
		return fmt.Errorf("%w: %s is after %s", ErrInvalidRange, r.From, r.To)
	}
	return nil
}

// Cursor is a server knowledge value. The zero Cursor means "never synced"
// and asks the remote source for everything.
type Cursor struct {
	Value int64
	Valid bool
}

// CursorAt returns a valid cursor holding v.
func CursorAt(v int64) Cursor {
	return Cursor{Value: v, Valid: true}
}

func (c Cursor) String() string {
	if !c.Valid {
		return "none"
	}
	return fmt.Sprintf("%d", c.Value)
}
