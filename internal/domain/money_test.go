package domain

import (
	"errors"
	"testing"
)

func TestToMinorUnitsUsesCurrencyScale(t *testing.T) {
	cases := []struct {
		amount   float64
		currency string
		want     int64
	}{
		{20.00, "USD", 2000},
		{19.99, "usd", 1999},
		{0.1 + 0.2, "EUR", 30},
		{1500, "JPY", 1500},
		{12.345, "KWD", 12345},
	}
	for _, tc := range cases {
		if got := ToMinorUnits(tc.amount, tc.currency); got != tc.want {
			t.Fatalf("ToMinorUnits(%v, %s) = %d, want %d", tc.amount, tc.currency, got, tc.want)
		}
	}
}

func TestToMajorUnitsRoundTrips(t *testing.T) {
	if got := ToMajorUnits(2500, "USD"); got != 25 {
		t.Fatalf("expected 25, got %v", got)
	}
	if got := ToMajorUnits(1500, "JPY"); got != 1500 {
		t.Fatalf("expected 1500, got %v", got)
	}
}

func TestNormalizeCurrency(t *testing.T) {
	got, err := NormalizeCurrency(" usd ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "USD" {
		t.Fatalf("expected USD, got %s", got)
	}
	if _, err := NormalizeCurrency("zzz"); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}
	if _, err := NormalizeCurrency(""); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency for empty code, got %v", err)
	}
}

func TestComputeTotals(t *testing.T) {
	totals := ComputeTotals("USD", 2000, 500, 0, 0)
	if totals.Total != 2500 {
		t.Fatalf("expected 2500, got %d", totals.Total)
	}
	totals = ComputeTotals("USD", 2000, 500, 500, 0)
	if totals.Total != 2000 {
		t.Fatalf("expected 2000, got %d", totals.Total)
	}
	totals = ComputeTotals("USD", 1000, 0, 5000, 0)
	if totals.Total != 0 {
		t.Fatalf("expected total clamped at zero, got %d", totals.Total)
	}
}

func TestAddressComplete(t *testing.T) {
	addr := Address{FirstName: "Ada", LastName: "Lovelace", Line1: "1 Main", City: "Austin", PostalCode: "78701", CountryCode: "US"}
	if !addr.Complete() {
		t.Fatalf("expected address complete")
	}
	addr.PostalCode = " "
	if addr.Complete() {
		t.Fatalf("expected address incomplete without postal code")
	}
	country, province, postal := Address{CountryCode: "US", Province: "TX", PostalCode: "sw1a 1aa"}.Destination()
	if country != "us" || province != "tx" || postal != "SW1A1AA" {
		t.Fatalf("unexpected destination %s %s %s", country, province, postal)
	}
}
