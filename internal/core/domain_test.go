package core

import (
	"errors"
	"testing"
)

func TestDateRangeValidate(t *testing.T) {
	cases := []struct {
		r  DateRange
		ok bool
	}{
		{MonthRange(2024, 2), true},
		{DateRange{From: NewDate(2024, 1, 1), To: NewDate(2024, 1, 1)}, true},
		{DateRange{From: NewDate(2024, 3, 1), To: NewDate(2024, 2, 1)}, false},
		{DateRange{To: NewDate(2024, 2, 1)}, false},
	}
	for i, tc := range cases {
		err := tc.r.Validate()
		if tc.ok && err != nil {
			t.Fatalf("case %d expected ok, got %v", i, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidRange) {
			t.Fatalf("case %d expected ErrInvalidRange, got %v", i, err)
		}
	}
}

func TestMonthRange(t *testing.T) {
	r := MonthRange(2024, 2)
	if r.From.String() != "2024-02-01" || r.To.String() != "2024-02-29" {
		t.Fatalf("unexpected range %s..%s", r.From, r.To)
	}
	if got := NewDate(2024, 2, 17).FirstOfMonth().String(); got != "2024-02-01" {
		t.Fatalf("FirstOfMonth = %s", got)
	}
}

func TestTransactionEntryValidate(t *testing.T) {
	good := TransactionEntry{
		ID:           "t1",
		BudgetID:     "b1",
		Date:         NewDate(2024, 2, 1),
		Amount:       -1500,
		CurrencyCode: "USD",
		AccountID:    "a1",
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	bad := good
	bad.CurrencyCode = "???"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}

	bad = good
	bad.AccountID = ""
	if err := bad.Validate(); !errors.Is(err, ErrMissingAccount) {
		t.Fatalf("expected ErrMissingAccount, got %v", err)
	}
}

func TestCursor(t *testing.T) {
	var c Cursor
	if c.Valid || c.String() != "none" {
		t.Fatalf("zero cursor should be invalid, got %v", c)
	}
	if c = CursorAt(42); !c.Valid || c.String() != "42" {
		t.Fatalf("unexpected cursor %v", c)
	}
}
