package domain

import (
	"fmt"
	"math"
)

// Money crosses this system as integer cents; dollars appear only at the
// HTTP and broker boundaries.

// DollarsToCents converts a dollar amount to cents. Sub-cent precision is
// an error: order prices and fills are quoted to the cent, and silently
// rounding an input would move real money.
func DollarsToCents(f float64) (int64, error) {
	// Scale by 1000 and round to expose a third decimal place without
	// tripping over float artifacts (1.10*1000 = 1099.999...).
	scaled := math.Round(f * 1000)
	if math.Mod(scaled, 10) != 0 {
		return 0, fmt.Errorf("monetary values must have at most 2 decimal places")
	}

	cents := math.Round(f * 100)
	return int64(cents), nil
}

// CentsToDollars converts cents back to a dollar amount for responses.
func CentsToDollars(c int64) float64 {
	return float64(c) / 100.0
}
