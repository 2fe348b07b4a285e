package usage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Cost is an amount in micro-dollars. Integer arithmetic keeps budget
// comparisons exact.
type Cost int64

const (
	Microdollar Cost = 1
	Dollar      Cost = 1_000_000
)

// CostFromDollars converts a dollar amount, rounding to the nearest
// micro-dollar.
func CostFromDollars(d float64) Cost {
	return Cost(math.Round(d * float64(Dollar)))
}

// ParseCost parses amounts like "1", "0.998" or "$12.50".
func ParseCost(s string) (Cost, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "$")
	if raw == "" {
		return 0, fmt.Errorf("parse cost %q: empty", s)
	}
	whole, frac, _ := strings.Cut(raw, ".")
	if len(frac) > 6 {
		return 0, fmt.Errorf("parse cost %q: more than 6 decimal places", s)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("parse cost %q: invalid amount", s)
	}
	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("parse cost %q: invalid amount", s)
		}
	}
	return Cost(w)*Dollar + Cost(f), nil
}

// Dollars returns c as a float for display.
func (c Cost) Dollars() float64 {
	return float64(c) / float64(Dollar)
}

// String formats c as dollars with at least two decimals, e.g. "0.998".
func (c Cost) String() string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	s := fmt.Sprintf("%d.%06d", c/Dollar, c%Dollar)
	s = strings.TrimRight(s, "0")
	if i := strings.IndexByte(s, '.'); len(s)-i-1 < 2 {
		s += strings.Repeat("0", 2-(len(s)-i-1))
	}
	return sign + s
}
