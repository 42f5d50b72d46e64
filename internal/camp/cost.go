package camp

import "strings"

// CostFor computes the total a participant owes for a camp.
// It is a total function: unknown locations get no discount and the result
// never goes below zero, however large the discounts are.
func CostFor(c *Camp, location string, promoDiscountCents int64) int64 {
	cost := c.BaseCostCents - DiscountForLocation(c, location) - promoDiscountCents
	if cost < 0 {
		return 0
	}
	return cost
}

// DiscountForLocation returns the configured discount for a location,
// or zero when the location is unknown.
func DiscountForLocation(c *Camp, location string) int64 {
	return c.LocationDiscounts[location]
}

// SanitizeCode normalizes a promo code to lowercase alphanumeric characters.
// Sanitization is idempotent: SanitizeCode(SanitizeCode(s)) == SanitizeCode(s).
func SanitizeCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(code) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
