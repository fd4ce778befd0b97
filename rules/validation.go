package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const maxNameLength = 200

// Percentages below -100 would drive a price negative
var minAdjustment = decimal.NewFromInt(-100)

// ValidateRule checks every field of r and reports all problems at once.
// The returned error wraps ErrInvalidRule.
func ValidateRule(r Rule) error {
	var problems []string

	if strings.TrimSpace(r.ProductType) == "" {
		problems = append(problems, "productType cannot be empty")
	}

	if len(r.Name) > maxNameLength {
		problems = append(problems, fmt.Sprintf("name length %d exceeds maximum of %d characters", len(r.Name), maxNameLength))
	}

	if r.ReferencePrice.IsNegative() {
		problems = append(problems, fmt.Sprintf("referencePrice %s must not be negative", r.ReferencePrice))
	}

	if !r.Condition.Valid() {
		problems = append(problems, fmt.Sprintf("condition %q must be one of > >= < <= = !=", r.Condition))
	}

	if r.AdjustmentPercentage.LessThan(minAdjustment) {
		problems = append(problems, fmt.Sprintf("adjustmentPercentage %s must be at least -100", r.AdjustmentPercentage))
	}

	if r.ExceptionQuantity < 0 {
		problems = append(problems, fmt.Sprintf("exceptionQuantity %d must not be negative", r.ExceptionQuantity))
	}

	if strings.TrimSpace(r.Expression) != "" {
		if err := checkExpression(r.Expression); err != nil {
			problems = append(problems, fmt.Sprintf("expression: %v", err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRule, strings.Join(problems, "; "))
	}
	return nil
}
