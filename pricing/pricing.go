// Package pricing holds the pure price arithmetic shared by the rule engine
// and the resale quote: percentage adjustment plus a named rounding policy.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidInput is returned for negative, NaN or non-finite inputs.
var ErrInvalidInput = errors.New("invalid input")

var hundred = decimal.NewFromInt(100)

// Policy rounds an adjusted price up to a multiple of Granularity.
// The zero Policy performs no rounding.
type Policy struct {
	Name        string
	Granularity decimal.Decimal
}

var (
	// NoRounding keeps the exact adjusted value.
	NoRounding = Policy{Name: "none"}
	// CeilTenth rounds up to the next 0.10 (157.81 -> 157.90).
	CeilTenth = Policy{Name: "0.10", Granularity: decimal.New(1, -1)}
	// CeilUnit rounds up to the next whole currency unit.
	CeilUnit = Policy{Name: "1", Granularity: decimal.NewFromInt(1)}
)

// ParsePolicy resolves a policy name. Besides "none", "0.10" and "1" any
// positive decimal granularity is accepted (e.g. "0.05").
func ParsePolicy(s string) (Policy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "none", "exact":
		return NoRounding, nil
	case "0.1", "0.10", "tenth":
		return CeilTenth, nil
	case "1", "unit", "integer":
		return CeilUnit, nil
	}

	g, err := decimal.NewFromString(s)
	if err != nil {
		return Policy{}, fmt.Errorf("unknown rounding policy %q: %w", s, ErrInvalidInput)
	}
	if !g.IsPositive() {
		return Policy{}, fmt.Errorf("rounding granularity must be positive, got %s: %w", s, ErrInvalidInput)
	}
	return Policy{Name: g.String(), Granularity: g}, nil
}

// Rounds reports whether the policy changes values at all.
func (p Policy) Rounds() bool {
	return p.Granularity.IsPositive()
}

// Round applies the ceiling to v. Values are never rounded down.
func (p Policy) Round(v decimal.Decimal) decimal.Decimal {
	if !p.Rounds() {
		return v
	}
	return v.Div(p.Granularity).Ceil().Mul(p.Granularity)
}

func (p Policy) String() string {
	if p.Name != "" {
		return p.Name
	}
	if !p.Rounds() {
		return NoRounding.Name
	}
	return p.Granularity.String()
}

// Adjust computes base * (1 + percentage/100) and rounds the result with policy.
// A negative base fails with ErrInvalidInput; a result below zero is clamped to zero.
func Adjust(base, percentage decimal.Decimal, policy Policy) (decimal.Decimal, error) {
	if base.IsNegative() {
		return decimal.Zero, fmt.Errorf("base price %s is negative: %w", base, ErrInvalidInput)
	}
	if base.IsZero() {
		return decimal.Zero, nil
	}

	adjusted := base.Add(base.Mul(percentage).Div(hundred))
	if adjusted.IsNegative() {
		adjusted = decimal.Zero
	}
	return policy.Round(adjusted), nil
}

// AdjustFloat is Adjust for callers holding float64 values.
func AdjustFloat(base, percentage float64, policy Policy) (decimal.Decimal, error) {
	b, err := FromFloat(base)
	if err != nil {
		return decimal.Zero, fmt.Errorf("base price: %w", err)
	}
	pct, err := FromFloat(percentage)
	if err != nil {
		return decimal.Zero, fmt.Errorf("percentage: %w", err)
	}
	return Adjust(b, pct, policy)
}

// FromFloat converts f, rejecting NaN and infinities.
func FromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fmt.Errorf("%v is not a finite number: %w", f, ErrInvalidInput)
	}
	return decimal.NewFromFloat(f), nil
}

// ParseAmount parses a decimal string such as "150.0000" as returned by the ERP.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount: %w", ErrInvalidInput)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", s, ErrInvalidInput)
	}
	return d, nil
}
