package domain

// Totals is the monetary summary presented to the shopper, in minor units of Currency.
type Totals struct {
	Currency string
	Subtotal int64
	Shipping int64
	Discount int64
	Tax      int64
	Total    int64
}

// ComputeTotals derives the final total. The result never goes below zero.
func ComputeTotals(currency string, subtotal, shipping, discount, tax int64) Totals {
	if discount < 0 {
		discount = 0
	}
	total := subtotal + shipping - discount + tax
	if total < 0 {
		total = 0
	}
	return Totals{
		Currency: currency,
		Subtotal: subtotal,
		Shipping: shipping,
		Discount: discount,
		Tax:      tax,
		Total:    total,
	}
}
