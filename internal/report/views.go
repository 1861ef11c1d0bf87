package report

import (
	"errors"
	"fmt"
	"strings"

	"budgetmirror/internal/core"
)

var ErrInvalidRequest = errors.New("invalid report request")

// ParseRequest builds a Request from the string parameters shared by the
// HTTP and MCP surfaces. Dates are YYYY-MM-DD and inclusive.
func ParseRequest(budgetID, groupID, from, to string, accounts []string) (Request, error) {
	req := Request{
		BudgetID: strings.TrimSpace(budgetID),
		GroupID:  strings.TrimSpace(groupID),
	}
	if req.BudgetID == "" {
		return req, fmt.Errorf("%w: budget id is required", ErrInvalidRequest)
	}

	var err error
	if req.Dates.From, err = core.ParseDate(from); err != nil {
		return req, fmt.Errorf("%w: from: %v", ErrInvalidRequest, err)
	}
	if req.Dates.To, err = core.ParseDate(to); err != nil {
		return req, fmt.Errorf("%w: to: %v", ErrInvalidRequest, err)
	}
	if err := req.Dates.Validate(); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	for _, a := range accounts {
		for _, id := range strings.Split(a, ",") {
			if id = strings.TrimSpace(id); id != "" {
				req.Accounts = append(req.Accounts, id)
			}
		}
	}
	return req, nil
}

// Amount is the wire form of a core.Money value.
type Amount struct {
	Minor    int64  `json:"minor"`
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

func NewAmount(m core.Money) Amount {
	return Amount{
		Minor:    m.Amount,
		Value:    m.Decimal().StringFixed(int32(m.Currency.DecimalDigits)),
		Currency: m.Currency.ISOCode,
	}
}

type RecordView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Total Amount `json:"total"`
}

type TrendView struct {
	Month string `json:"month"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Total Amount `json:"total"`
}

type BudgetView struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Currency       string `json:"currency"`
	LastModifiedOn string `json:"last_modified_on,omitempty"`
	FirstMonth     string `json:"first_month,omitempty"`
	LastMonth      string `json:"last_month,omitempty"`
}

func RecordViews(records []core.CategoryRecord) []RecordView {
	views := make([]RecordView, 0, len(records))
	for _, r := range records {
		views = append(views, RecordView{ID: r.ID, Name: r.Name, Total: NewAmount(r.Total)})
	}
	return views
}

func TrendViews(records []core.TrendRecord) []TrendView {
	views := make([]TrendView, 0, len(records))
	for _, r := range records {
		views = append(views, TrendView{
			Month: r.Month.Format("2006-01"),
			ID:    r.ID,
			Name:  r.Name,
			Total: NewAmount(r.Total),
		})
	}
	return views
}

func NewBudgetView(b core.BudgetSummary) BudgetView {
	v := BudgetView{
		ID:         b.ID,
		Name:       b.Name,
		Currency:   b.Currency.ISOCode,
		FirstMonth: b.FirstMonth.String(),
		LastMonth:  b.LastMonth.String(),
	}
	if !b.LastModifiedOn.IsZero() {
		v.LastModifiedOn = b.LastModifiedOn.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return v
}

func BudgetViews(budgets []core.BudgetSummary) []BudgetView {
	views := make([]BudgetView, 0, len(budgets))
	for _, b := range budgets {
		views = append(views, NewBudgetView(b))
	}
	return views
}
