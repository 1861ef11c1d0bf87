// Package ynab implements remote.Source against the YNAB v1 REST API.
package ynab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"budgetmirror/internal/core"
	"budgetmirror/internal/remote"
)

const DefaultBaseURL = "https://api.ynab.com/v1"

type Client struct {
	baseURL    string
	httpClient *http.Client

	mu         sync.RWMutex
	currencies map[string]core.Currency
}

// New creates a client that authenticates every request with a personal
// access token as a static bearer token.
func New(ctx context.Context, baseURL, accessToken string) (*Client, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("ynab access token is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	httpClient.Timeout = 30 * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		currencies: map[string]core.Currency{},
	}, nil
}

// APIError is the error body returned by the service.
type APIError struct {
	Status int
	ID     string `json:"id"`
	Name   string `json:"name"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ynab api %d %s: %s", e.Status, e.Name, e.Detail)
}

// Is reports rate limiting and server errors as remote.ErrUnavailable.
func (e *APIError) Is(target error) bool {
	return target == remote.ErrUnavailable &&
		(e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError)
}

type (
	currencyFormat struct {
		ISOCode       string `json:"iso_code"`
		DecimalDigits int    `json:"decimal_digits"`
	}

	accountDTO struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		OnBudget bool   `json:"on_budget"`
		Closed   bool   `json:"closed"`
		Deleted  bool   `json:"deleted"`
	}

	budgetDTO struct {
		ID             string          `json:"id"`
		Name           string          `json:"name"`
		LastModifiedOn *time.Time      `json:"last_modified_on"`
		FirstMonth     string          `json:"first_month"`
		LastMonth      string          `json:"last_month"`
		CurrencyFormat *currencyFormat `json:"currency_format"`
		Accounts       []accountDTO    `json:"accounts"`
	}

	categoryDTO struct {
		ID              string  `json:"id"`
		CategoryGroupID string  `json:"category_group_id"`
		Name            string  `json:"name"`
		Hidden          bool    `json:"hidden"`
		Deleted         bool    `json:"deleted"`
		Note            *string `json:"note"`
	}

	categoryGroupDTO struct {
		ID         string        `json:"id"`
		Name       string        `json:"name"`
		Hidden     bool          `json:"hidden"`
		Deleted    bool          `json:"deleted"`
		Categories []categoryDTO `json:"categories"`
	}

	subtransactionDTO struct {
		ID                string  `json:"id"`
		Amount            int64   `json:"amount"`
		CategoryID        *string `json:"category_id"`
		CategoryName      *string `json:"category_name"`
		TransferAccountID *string `json:"transfer_account_id"`
		PayeeName         *string `json:"payee_name"`
		Memo              *string `json:"memo"`
		Deleted           bool    `json:"deleted"`
	}

	transactionDTO struct {
		ID                string              `json:"id"`
		Date              string              `json:"date"`
		Amount            int64               `json:"amount"`
		AccountID         string              `json:"account_id"`
		AccountName       string              `json:"account_name"`
		CategoryID        *string             `json:"category_id"`
		CategoryName      *string             `json:"category_name"`
		TransferAccountID *string             `json:"transfer_account_id"`
		PayeeName         *string             `json:"payee_name"`
		Memo              *string             `json:"memo"`
		Deleted           bool                `json:"deleted"`
		Subtransactions   []subtransactionDTO `json:"subtransactions"`
	}
)

// FetchBudgetSummaries lists budgets with their accounts and remembers each
// budget's currency for later amount conversion.
func (c *Client) FetchBudgetSummaries(ctx context.Context) ([]core.BudgetSummary, error) {
	var body struct {
		Data struct {
			Budgets []budgetDTO `json:"budgets"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/budgets", url.Values{"include_accounts": {"true"}}, &body); err != nil {
		return nil, err
	}

	budgets := make([]core.BudgetSummary, 0, len(body.Data.Budgets))
	for _, dto := range body.Data.Budgets {
		b, err := dto.toCore()
		if err != nil {
			return nil, fmt.Errorf("budget %s: %w", dto.ID, err)
		}
		if dto.CurrencyFormat == nil {
			if b.Currency, err = c.fetchCurrency(ctx, dto.ID); err != nil {
				return nil, err
			}
		}
		c.rememberCurrency(b.ID, b.Currency)
		budgets = append(budgets, b)
	}

	slog.DebugContext(ctx, "Fetched budgets", "count", len(budgets))
	return budgets, nil
}

// FetchCategoryDelta returns the full category tree whenever anything in it
// changed since cursor. The remote API only returns the changed groups for a
// cursor-gated request, so a non-empty answer is followed by a full fetch.
func (c *Client) FetchCategoryDelta(ctx context.Context, budgetID string, cursor core.Cursor) (remote.CategoryDelta, error) {
	delta, err := c.fetchCategories(ctx, budgetID, knowledgeQuery(cursor))
	if err != nil || !cursor.Valid || delta.Empty() {
		return delta, err
	}

	full, err := c.fetchCategories(ctx, budgetID, nil)
	if err != nil {
		return remote.CategoryDelta{}, err
	}
	full.Cursor = max(full.Cursor, delta.Cursor)
	return full, nil
}

func (c *Client) fetchCategories(ctx context.Context, budgetID string, query url.Values) (remote.CategoryDelta, error) {
	var body struct {
		Data struct {
			CategoryGroups  []categoryGroupDTO `json:"category_groups"`
			ServerKnowledge int64              `json:"server_knowledge"`
		} `json:"data"`
	}
	path := "/budgets/" + url.PathEscape(budgetID) + "/categories"
	if err := c.get(ctx, path, query, &body); err != nil {
		return remote.CategoryDelta{}, err
	}

	delta := remote.CategoryDelta{Cursor: body.Data.ServerKnowledge}
	for _, g := range body.Data.CategoryGroups {
		delta.Groups = append(delta.Groups, core.CategoryGroup{
			ID: g.ID, BudgetID: budgetID, Name: g.Name, Hidden: g.Hidden, Deleted: g.Deleted,
		})
		for _, cat := range g.Categories {
			groupID := cat.CategoryGroupID
			if groupID == "" {
				groupID = g.ID
			}
			delta.Categories = append(delta.Categories, core.Category{
				ID:              cat.ID,
				CategoryGroupID: groupID,
				BudgetID:        budgetID,
				Name:            cat.Name,
				Hidden:          cat.Hidden,
				Deleted:         cat.Deleted,
				Note:            deref(cat.Note),
			})
		}
	}
	return delta, nil
}

// FetchTransactionDelta returns changed transactions. Split transactions
// are expanded into one entry per subtransaction so that each carries its
// own category.
func (c *Client) FetchTransactionDelta(ctx context.Context, budgetID string, cursor core.Cursor) (remote.TransactionDelta, error) {
	cur, err := c.currency(ctx, budgetID)
	if err != nil {
		return remote.TransactionDelta{}, err
	}

	var body struct {
		Data struct {
			Transactions    []transactionDTO `json:"transactions"`
			ServerKnowledge int64            `json:"server_knowledge"`
		} `json:"data"`
	}
	path := "/budgets/" + url.PathEscape(budgetID) + "/transactions"
	if err := c.get(ctx, path, knowledgeQuery(cursor), &body); err != nil {
		return remote.TransactionDelta{}, err
	}

	delta := remote.TransactionDelta{Cursor: body.Data.ServerKnowledge}
	for _, dto := range body.Data.Transactions {
		entries, err := dto.toCore(budgetID, cur)
		if err != nil {
			return remote.TransactionDelta{}, err
		}
		delta.Entries = append(delta.Entries, entries...)
	}
	return delta, nil
}

func knowledgeQuery(cursor core.Cursor) url.Values {
	q := url.Values{}
	if cursor.Valid {
		q.Set("last_knowledge_of_server", strconv.FormatInt(cursor.Value, 10))
	}
	return q
}

func (c *Client) currency(ctx context.Context, budgetID string) (core.Currency, error) {
	c.mu.RLock()
	cur, ok := c.currencies[budgetID]
	c.mu.RUnlock()
	if ok {
		return cur, nil
	}
	cur, err := c.fetchCurrency(ctx, budgetID)
	if err != nil {
		return core.Currency{}, err
	}
	c.rememberCurrency(budgetID, cur)
	return cur, nil
}

func (c *Client) rememberCurrency(budgetID string, cur core.Currency) {
	c.mu.Lock()
	c.currencies[budgetID] = cur
	c.mu.Unlock()
}

func (c *Client) fetchCurrency(ctx context.Context, budgetID string) (core.Currency, error) {
	var body struct {
		Data struct {
			Settings struct {
				CurrencyFormat currencyFormat `json:"currency_format"`
			} `json:"settings"`
		} `json:"data"`
	}
	path := "/budgets/" + url.PathEscape(budgetID) + "/settings"
	if err := c.get(ctx, path, nil, &body); err != nil {
		return core.Currency{}, err
	}
	cur := core.Currency{
		ISOCode:       body.Data.Settings.CurrencyFormat.ISOCode,
		DecimalDigits: body.Data.Settings.CurrencyFormat.DecimalDigits,
	}
	if err := cur.Validate(); err != nil {
		return core.Currency{}, fmt.Errorf("budget %s settings: %w", budgetID, err)
	}
	return cur, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w: %w", path, remote.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == nil {
		return &APIError{Status: resp.StatusCode, Name: http.StatusText(resp.StatusCode), Detail: strings.TrimSpace(string(raw))}
	}
	body.Error.Status = resp.StatusCode
	return body.Error
}

func (dto budgetDTO) toCore() (core.BudgetSummary, error) {
	b := core.BudgetSummary{ID: dto.ID, Name: dto.Name}
	if dto.LastModifiedOn != nil {
		b.LastModifiedOn = dto.LastModifiedOn.UTC()
	}
	var err error
	if dto.FirstMonth != "" {
		if b.FirstMonth, err = core.ParseDate(dto.FirstMonth); err != nil {
			return b, err
		}
	}
	if dto.LastMonth != "" {
		if b.LastMonth, err = core.ParseDate(dto.LastMonth); err != nil {
			return b, err
		}
	}
	if dto.CurrencyFormat != nil {
		b.Currency = core.Currency{ISOCode: dto.CurrencyFormat.ISOCode, DecimalDigits: dto.CurrencyFormat.DecimalDigits}
		if err := b.Currency.Validate(); err != nil {
			return b, err
		}
	}
	for _, a := range dto.Accounts {
		b.Accounts = append(b.Accounts, core.Account{
			ID: a.ID, BudgetID: dto.ID, Name: a.Name, OnBudget: a.OnBudget, Closed: a.Closed, Deleted: a.Deleted,
		})
	}
	return b, nil
}

func (dto transactionDTO) toCore(budgetID string, cur core.Currency) ([]core.TransactionEntry, error) {
	date, err := core.ParseDate(dto.Date)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", dto.ID, err)
	}
	parent := core.TransactionEntry{
		ID:                dto.ID,
		BudgetID:          budgetID,
		Date:              date,
		Amount:            core.MilliunitsToMinor(dto.Amount, cur.DecimalDigits),
		CurrencyCode:      cur.ISOCode,
		AccountID:         dto.AccountID,
		AccountName:       dto.AccountName,
		CategoryID:        deref(dto.CategoryID),
		CategoryName:      deref(dto.CategoryName),
		TransferAccountID: deref(dto.TransferAccountID),
		PayeeName:         deref(dto.PayeeName),
		Memo:              deref(dto.Memo),
		Deleted:           dto.Deleted,
	}
	if len(dto.Subtransactions) == 0 {
		return []core.TransactionEntry{parent}, nil
	}

	entries := make([]core.TransactionEntry, 0, len(dto.Subtransactions))
	for _, sub := range dto.Subtransactions {
		e := parent
		e.ID = sub.ID
		e.Amount = core.MilliunitsToMinor(sub.Amount, cur.DecimalDigits)
		e.CategoryID = deref(sub.CategoryID)
		e.CategoryName = deref(sub.CategoryName)
		e.TransferAccountID = deref(sub.TransferAccountID)
		if p := deref(sub.PayeeName); p != "" {
			e.PayeeName = p
		}
		if m := deref(sub.Memo); m != "" {
			e.Memo = m
		}
		e.Deleted = dto.Deleted || sub.Deleted
		entries = append(entries, e)
	}
	return entries, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
