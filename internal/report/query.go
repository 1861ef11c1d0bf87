// Package report computes category totals and monthly trends over the
// mirrored transactions.
package report

import (
	"errors"
	"strings"

	"budgetmirror/internal/core"
)

var (
	ErrEmptyGroupID = errors.New("empty category group id")
	ErrEmptyAccount = errors.New("empty account id in filter")
)

// Query is a parameterized statement. Values are always bound, never
// spliced into SQL.
type Query struct {
	SQL  string
	Args []any
}

type dimension int

const (
	byGroup dimension = iota
	byCategory
)

func (d dimension) columns() (id, name string) {
	if d == byCategory {
		return "t.category_id", "t.category_name"
	}
	return "t.category_group_id", "t.category_group_name"
}

// scope holds the filters shared by every report.
type scope struct {
	budgetID string
	groupID  string
	dates    core.DateRange
	accounts []string
}

func (s scope) validate(needGroup bool) error {
	if strings.TrimSpace(s.budgetID) == "" {
		return core.ErrEmptyBudgetID
	}
	if needGroup && strings.TrimSpace(s.groupID) == "" {
		return ErrEmptyGroupID
	}
	for _, a := range s.accounts {
		if strings.TrimSpace(a) == "" {
			return ErrEmptyAccount
		}
	}
	return s.dates.Validate()
}

// filter writes the FROM and WHERE clauses common to every report:
// on-budget accounts only, soft deleted entries excluded, inclusive date
// range, and the Internal Master Category rule.
func (s scope) filter(b *strings.Builder, args []any) []any {
	b.WriteString(`
FROM transactions t
JOIN accounts a ON a.budget_id = t.budget_id AND a.id = t.account_id
WHERE t.budget_id = ?
  AND t.deleted = 0
  AND a.on_budget = 1
  AND t.date BETWEEN ? AND ?
  AND t.category_group_id IS NOT NULL
  AND (t.category_group_name <> ? OR t.category_name = ?)`)
	args = append(args, s.budgetID, s.dates.From.String(), s.dates.To.String(),
		core.InternalMasterCategory, core.UncategorizedCategory)

	if s.groupID != "" {
		b.WriteString(`
  AND t.category_group_id = ?`)
		args = append(args, s.groupID)
	}

	if len(s.accounts) > 0 {
		b.WriteString(`
  AND t.account_id IN (`)
		for i, id := range s.accounts {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, id)
		}
		b.WriteString(")")
	}
	return args
}

// Names of a group or category can drift between transactions; the
// lexically greatest one is reported so results stay deterministic.
func totalsQuery(d dimension, s scope) Query {
	id, name := d.columns()
	var b strings.Builder
	b.WriteString("SELECT COALESCE(" + id + ", '') AS record_id, COALESCE(MAX(" + name + "), '') AS record_name, SUM(t.amount) AS total")
	args := s.filter(&b, nil)
	b.WriteString(`
GROUP BY ` + id + `
HAVING SUM(t.amount) <> 0
ORDER BY total ASC, record_name ASC`)
	return Query{SQL: b.String(), Args: args}
}

func trendsQuery(d dimension, s scope) Query {
	id, name := d.columns()
	var b strings.Builder
	b.WriteString("SELECT strftime('%Y-%m-01', t.date) AS month, COALESCE(" + id + ", '') AS record_id, " +
		"COALESCE(MAX(" + name + "), '') AS record_name, -SUM(t.amount) AS total")
	args := s.filter(&b, nil)
	b.WriteString(`
GROUP BY month, ` + id + `
HAVING SUM(t.amount) <> 0
ORDER BY month ASC, total ASC, record_name ASC`)
	return Query{SQL: b.String(), Args: args}
}

// CategoryGroupTotalsQuery sums amounts per category group.
func CategoryGroupTotalsQuery(budgetID string, dates core.DateRange, accounts []string) (Query, error) {
	s := scope{budgetID: budgetID, dates: dates, accounts: accounts}
	if err := s.validate(false); err != nil {
		return Query{}, err
	}
	return totalsQuery(byGroup, s), nil
}

// CategoryTotalsQuery sums amounts per category inside one group.
func CategoryTotalsQuery(budgetID, groupID string, dates core.DateRange, accounts []string) (Query, error) {
	s := scope{budgetID: budgetID, groupID: groupID, dates: dates, accounts: accounts}
	if err := s.validate(true); err != nil {
		return Query{}, err
	}
	return totalsQuery(byCategory, s), nil
}

// GroupTrendsQuery sums spending per month and category group.
func GroupTrendsQuery(budgetID string, dates core.DateRange, accounts []string) (Query, error) {
	s := scope{budgetID: budgetID, dates: dates, accounts: accounts}
	if err := s.validate(false); err != nil {
		return Query{}, err
	}
	return trendsQuery(byGroup, s), nil
}

// CategoryTrendsQuery sums spending per month and category inside one group.
func CategoryTrendsQuery(budgetID, groupID string, dates core.DateRange, accounts []string) (Query, error) {
	s := scope{budgetID: budgetID, groupID: groupID, dates: dates, accounts: accounts}
	if err := s.validate(true); err != nil {
		return Query{}, err
	}
	return trendsQuery(byCategory, s), nil
}
