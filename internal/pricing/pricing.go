// Package pricing computes cart totals and renders amounts for display.
package pricing

import (
	"math"
	"strings"

	"github.com/abgdnv/kidscart/internal/cart"
	"github.com/shopspring/decimal"
)

// DefaultShippingCost is the flat delivery charge added to every order.
const DefaultShippingCost = 80.0

// Currency is the ISO code prefixed to formatted prices.
const Currency = "BDT"

// Subtotal sums quantity times price over items, rounded to cents.
// Pending quantities contribute nothing. An empty cart is 0.
func Subtotal(items []cart.LineItem) float64 {
	var sum float64
	for _, item := range items {
		sum += item.LineTotal()
	}
	return roundCents(sum)
}

// Total is the subtotal plus shippingCost, rounded to cents.
func Total(items []cart.LineItem, shippingCost float64) float64 {
	return roundCents(Subtotal(items) + shippingCost)
}

// roundCents rounds half up on the cent boundary.
func roundCents(x float64) float64 {
	return math.Floor(x*100+0.5) / 100
}

// FormatPrice renders amount with the currency code, two decimals and
// South Asian digit grouping, e.g. "BDT 1,23,456.00". NaN and infinities are
// rendered as "BDT NaN", "BDT +Inf" and "-BDT Inf".
func FormatPrice(amount float64) string {
	switch {
	case math.IsNaN(amount):
		return Currency + " NaN"
	case math.IsInf(amount, 1):
		return Currency + " +Inf"
	case math.IsInf(amount, -1):
		return "-" + Currency + " Inf"
	}
	d := decimal.NewFromFloat(amount).Round(2)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}
	fixed := d.StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")
	return sign + Currency + " " + groupDigits(whole) + "." + frac
}

// groupDigits places a comma before the last three digits and then after every two.
func groupDigits(whole string) string {
	if len(whole) <= 3 {
		return whole
	}
	head, tail := whole[:len(whole)-3], whole[len(whole)-3:]
	var groups []string
	for len(head) > 2 {
		groups = append([]string{head[len(head)-2:]}, groups...)
		head = head[:len(head)-2]
	}
	groups = append([]string{head}, groups...)
	return strings.Join(groups, ",") + "," + tail
}
