// Package memory is an in-process remote.Source used for tests and for
// running the mirror without network access.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"budgetmirror/internal/core"
	"budgetmirror/internal/remote"
)

// Op names a Source operation for failure injection.
type Op string

const (
	OpBudgets      Op = "budgets"
	OpCategories   Op = "categories"
	OpTransactions Op = "transactions"
)

type versioned[T any] struct {
	value   T
	changed int64
}

type budgetData struct {
	groups       map[string]versioned[core.CategoryGroup]
	categories   map[string]versioned[core.Category]
	transactions map[string]versioned[core.TransactionEntry]
}

// Source keeps a single server knowledge counter that every mutation bumps,
// the same way the remote service versions its data.
type Source struct {
	mu        sync.Mutex
	knowledge int64
	budgets   map[string]core.BudgetSummary
	data      map[string]*budgetData
	failures  map[Op]error
}

func New() *Source {
	return &Source{
		budgets:  map[string]core.BudgetSummary{},
		data:     map[string]*budgetData{},
		failures: map[Op]error{},
	}
}

// PutBudget adds or replaces a budget together with its accounts.
func (s *Source) PutBudget(b core.BudgetSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts := make([]core.Account, len(b.Accounts))
	for i, a := range b.Accounts {
		a.BudgetID = b.ID
		accounts[i] = a
	}
	b.Accounts = accounts
	s.budgets[b.ID] = b
	s.budgetData(b.ID)
}

// RemoveBudget drops a budget as if it was deleted remotely.
func (s *Source) RemoveBudget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.budgets, id)
	delete(s.data, id)
}

func (s *Source) PutCategoryGroup(g core.CategoryGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge++
	s.budgetData(g.BudgetID).groups[g.ID] = versioned[core.CategoryGroup]{value: g, changed: s.knowledge}
}

func (s *Source) PutCategory(c core.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge++
	s.budgetData(c.BudgetID).categories[c.ID] = versioned[core.Category]{value: c, changed: s.knowledge}
}

func (s *Source) PutTransaction(e core.TransactionEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge++
	s.budgetData(e.BudgetID).transactions[e.ID] = versioned[core.TransactionEntry]{value: e, changed: s.knowledge}
}

// DeleteTransaction soft deletes an entry. Unknown ids are ignored.
func (s *Source) DeleteTransaction(budgetID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.budgetData(budgetID)
	v, ok := d.transactions[id]
	if !ok {
		return
	}
	s.knowledge++
	v.value.Deleted = true
	v.changed = s.knowledge
	d.transactions[id] = v
}

// SetKnowledge moves the server knowledge counter without changing data.
func (s *Source) SetKnowledge(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge = v
}

func (s *Source) Knowledge() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knowledge
}

// FailOn makes op return err until cleared with a nil err.
func (s *Source) FailOn(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Source) budgetData(id string) *budgetData {
	d, ok := s.data[id]
	if !ok {
		d = &budgetData{
			groups:       map[string]versioned[core.CategoryGroup]{},
			categories:   map[string]versioned[core.Category]{},
			transactions: map[string]versioned[core.TransactionEntry]{},
		}
		s.data[id] = d
	}
	return d
}

func (s *Source) FetchBudgetSummaries(_ context.Context) ([]core.BudgetSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpBudgets]; err != nil {
		return nil, err
	}
	out := make([]core.BudgetSummary, 0, len(s.budgets))
	for _, b := range s.budgets {
		b.Accounts = append([]core.Account(nil), b.Accounts...)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FetchCategoryDelta returns the whole category tree when anything in it
// changed after cursor, and an empty delta otherwise.
func (s *Source) FetchCategoryDelta(_ context.Context, budgetID string, cursor core.Cursor) (remote.CategoryDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpCategories]; err != nil {
		return remote.CategoryDelta{}, err
	}
	if _, ok := s.budgets[budgetID]; !ok {
		return remote.CategoryDelta{}, fmt.Errorf("budget %s: not found", budgetID)
	}
	d := s.budgetData(budgetID)
	delta := remote.CategoryDelta{Cursor: s.knowledge}

	changed := !cursor.Valid
	for _, g := range d.groups {
		changed = changed || g.changed > cursor.Value
	}
	for _, c := range d.categories {
		changed = changed || c.changed > cursor.Value
	}
	if !changed {
		return delta, nil
	}

	for _, g := range d.groups {
		delta.Groups = append(delta.Groups, g.value)
	}
	for _, c := range d.categories {
		delta.Categories = append(delta.Categories, c.value)
	}
	sort.Slice(delta.Groups, func(i, j int) bool { return delta.Groups[i].ID < delta.Groups[j].ID })
	sort.Slice(delta.Categories, func(i, j int) bool { return delta.Categories[i].ID < delta.Categories[j].ID })
	return delta, nil
}

func (s *Source) FetchTransactionDelta(_ context.Context, budgetID string, cursor core.Cursor) (remote.TransactionDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpTransactions]; err != nil {
		return remote.TransactionDelta{}, err
	}
	if _, ok := s.budgets[budgetID]; !ok {
		return remote.TransactionDelta{}, fmt.Errorf("budget %s: not found", budgetID)
	}
	delta := remote.TransactionDelta{Cursor: s.knowledge}
	for _, t := range s.budgetData(budgetID).transactions {
		if !cursor.Valid || t.changed > cursor.Value {
			delta.Entries = append(delta.Entries, t.value)
		}
	}
	sort.Slice(delta.Entries, func(i, j int) bool { return delta.Entries[i].ID < delta.Entries[j].ID })
	return delta, nil
}

type (
	seedFile struct {
		Budgets []seedBudget `json:"budgets"`
	}

	seedBudget struct {
		ID             string              `json:"id"`
		Name           string              `json:"name"`
		Currency       string              `json:"currency"`
		DecimalDigits  *int                `json:"decimal_digits"`
		FirstMonth     string              `json:"first_month"`
		LastMonth      string              `json:"last_month"`
		Accounts       []seedAccount       `json:"accounts"`
		CategoryGroups []seedCategoryGroup `json:"category_groups"`
		Transactions   []seedTransaction   `json:"transactions"`
	}

	seedAccount struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		OnBudget bool   `json:"on_budget"`
		Closed   bool   `json:"closed"`
	}

	seedCategoryGroup struct {
		ID         string         `json:"id"`
		Name       string         `json:"name"`
		Hidden     bool           `json:"hidden"`
		Categories []seedCategory `json:"categories"`
	}

	seedCategory struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Hidden bool   `json:"hidden"`
		Note   string `json:"note"`
	}

	seedTransaction struct {
		ID                string `json:"id"`
		Date              string `json:"date"`
		Amount            int64  `json:"amount"`
		AccountID         string `json:"account_id"`
		CategoryID        string `json:"category_id"`
		TransferAccountID string `json:"transfer_account_id"`
		Payee             string `json:"payee"`
		Memo              string `json:"memo"`
		Deleted           bool   `json:"deleted"`
	}
)

// NewFromFile builds a Source from a JSON fixture. Transaction amounts in
// the fixture are minor units. Like the real service, entries carry the
// account and category names but not the category group.
func NewFromFile(path string) (*Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}

	s := New()
	for _, sb := range seed.Budgets {
		if err := s.loadBudget(sb); err != nil {
			return nil, fmt.Errorf("seed budget %s: %w", sb.ID, err)
		}
	}
	return s, nil
}

func (s *Source) loadBudget(sb seedBudget) error {
	digits := 2
	if sb.DecimalDigits != nil {
		digits = *sb.DecimalDigits
	}
	b := core.BudgetSummary{
		ID:       sb.ID,
		Name:     sb.Name,
		Currency: core.Currency{ISOCode: sb.Currency, DecimalDigits: digits},
	}
	var err error
	if sb.FirstMonth != "" {
		if b.FirstMonth, err = core.ParseDate(sb.FirstMonth); err != nil {
			return err
		}
	}
	if sb.LastMonth != "" {
		if b.LastMonth, err = core.ParseDate(sb.LastMonth); err != nil {
			return err
		}
	}
	if err := b.Validate(); err != nil {
		return err
	}

	accountNames := map[string]string{}
	for _, a := range sb.Accounts {
		b.Accounts = append(b.Accounts, core.Account{
			ID: a.ID, BudgetID: b.ID, Name: a.Name, OnBudget: a.OnBudget, Closed: a.Closed,
		})
		accountNames[a.ID] = a.Name
	}
	s.PutBudget(b)

	categoryNames := map[string]string{}
	for _, g := range sb.CategoryGroups {
		s.PutCategoryGroup(core.CategoryGroup{ID: g.ID, BudgetID: b.ID, Name: g.Name, Hidden: g.Hidden})
		for _, c := range g.Categories {
			s.PutCategory(core.Category{
				ID: c.ID, CategoryGroupID: g.ID, BudgetID: b.ID, Name: c.Name, Hidden: c.Hidden, Note: c.Note,
			})
			categoryNames[c.ID] = c.Name
		}
	}

	for _, st := range sb.Transactions {
		date, err := core.ParseDate(st.Date)
		if err != nil {
			return fmt.Errorf("transaction %s: %w", st.ID, err)
		}
		s.PutTransaction(core.TransactionEntry{
			ID:                st.ID,
			BudgetID:          b.ID,
			Date:              date,
			Amount:            st.Amount,
			CurrencyCode:      b.Currency.ISOCode,
			AccountID:         st.AccountID,
			AccountName:       accountNames[st.AccountID],
			CategoryID:        st.CategoryID,
			CategoryName:      categoryNames[st.CategoryID],
			TransferAccountID: st.TransferAccountID,
			PayeeName:         st.Payee,
			Memo:              st.Memo,
			Deleted:           st.Deleted,
		})
	}
	return nil
}
