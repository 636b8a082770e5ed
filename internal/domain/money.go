package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/currency"
)

// ErrInvalidCurrency indicates the currency code is not a known ISO 4217 code.
var ErrInvalidCurrency = errors.New("domain: invalid currency")

const fallbackScale = 2

// NormalizeCurrency validates and upper-cases an ISO 4217 currency code.
func NormalizeCurrency(code string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if trimmed == "" {
		return "", ErrInvalidCurrency
	}
	unit, err := currency.ParseISO(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidCurrency, trimmed)
	}
	return unit.String(), nil
}

// CurrencyScale returns the number of minor-unit digits for the currency (USD 2, JPY 0).
func CurrencyScale(code string) int {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return fallbackScale
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}

// ToMinorUnits converts a major-unit amount as returned by the storefront API into minor units.
func ToMinorUnits(amount float64, code string) int64 {
	factor := math.Pow10(CurrencyScale(code))
	return int64(math.Round(amount * factor))
}

// ToMajorUnits converts minor units back into the major-unit representation used on the wire.
func ToMajorUnits(amount int64, code string) float64 {
	scale := CurrencyScale(code)
	if scale == 0 {
		return float64(amount)
	}
	return float64(amount) / math.Pow10(scale)
}
