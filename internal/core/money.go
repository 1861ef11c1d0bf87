// Package core provides money and currency handling.
//
// Amounts are kept as signed integers in the currency's minor unit and only
// converted to decimals for display.
package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var ErrInvalidCurrency = errors.New("invalid currency")

// Currency is an ISO 4217 code plus the number of minor-unit digits.
type Currency struct {
	ISOCode       string
	DecimalDigits int
}

// Money is an amount in minor units of a currency.
type Money struct {
	Amount   int64
	Currency Currency
}

// ParseCurrencyCode validates an ISO 4217 code. Unknown codes are a data
// contract violation and are reported rather than coerced.
func ParseCurrencyCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidCurrency, code, err)
	}
	return unit.String(), nil
}

func (c Currency) Validate() error {
	if _, err := ParseCurrencyCode(c.ISOCode); err != nil {
		return err
	}
	if c.DecimalDigits < 0 || c.DecimalDigits > 4 {
		return fmt.Errorf("%w: %d decimal digits for %s", ErrInvalidCurrency, c.DecimalDigits, c.ISOCode)
	}
	return nil
}

// NewMoney builds a Money value in c.
func NewMoney(amount int64, c Currency) Money {
	return Money{Amount: amount, Currency: c}
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -int32(m.Currency.DecimalDigits))
}

// String renders the amount with the currency's precision, e.g. "-45.00 USD".
func (m Money) String() string {
	s := m.Decimal().StringFixed(int32(m.Currency.DecimalDigits))
	if m.Currency.ISOCode == "" {
		return s
	}
	return s + " " + m.Currency.ISOCode
}

// MilliunitsToMinor converts an amount expressed in thousandths of the major
// unit to the currency's minor unit, truncating toward zero.
func MilliunitsToMinor(milli int64, decimalDigits int) int64 {
	if decimalDigits >= 3 {
		return milli * pow10(decimalDigits-3)
	}
	return milli / pow10(3-decimalDigits)
}

func pow10(n int) int64 {
	p := int64(1)
	for i := 0; i < n; i++ {
		p *= 10
	}
	return p
}
