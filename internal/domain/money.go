package domain

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits stored for every amount.
const AmountScale = 4

// MaxAmount is the largest single amount accepted. Columns are numeric(20,4), so sums of
// many such amounts still fit.
var MaxAmount = decimal.New(1, 15)

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

// NormalizeCurrency upper-cases and trims an ISO 4217 code.
func NormalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// IsValidCurrency returns true for a three-letter upper-case code.
func IsValidCurrency(c string) bool {
	return currencyRe.MatchString(c)
}

// ValidateAmount rejects zero, negative, oversized and over-precise amounts.
func ValidateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return Validation(field, "must be greater than zero")
	}
	if amount.GreaterThan(MaxAmount) {
		return Validation(field, "must not exceed "+MaxAmount.String())
	}
	if !amount.Equal(amount.Round(AmountScale)) {
		return Validation(field, "must have at most 4 decimal places")
	}
	return nil
}

// ValidateCurrency normalizes and validates a currency code.
func ValidateCurrency(field, currency string) (string, error) {
	c := NormalizeCurrency(currency)
	if !IsValidCurrency(c) {
		return "", Validation(field, "must be a 3-letter ISO currency code")
	}
	return c, nil
}
