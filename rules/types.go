package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Condition compares a product's current price against a rule's reference price
type Condition string

const (
	ConditionGreater      Condition = ">"
	ConditionGreaterEqual Condition = ">="
	ConditionLess         Condition = "<"
	ConditionLessEqual    Condition = "<="
	ConditionEqual        Condition = "="
	ConditionNotEqual     Condition = "!="
)

// Conditions lists every supported comparator in display order
var Conditions = []Condition{
	ConditionGreater,
	ConditionGreaterEqual,
	ConditionLess,
	ConditionLessEqual,
	ConditionEqual,
	ConditionNotEqual,
}

// ParseCondition accepts the operator form and a few spelled-out aliases
func ParseCondition(s string) (Condition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ">", "gt":
		return ConditionGreater, nil
	case ">=", "ge", "gte":
		return ConditionGreaterEqual, nil
	case "<", "lt":
		return ConditionLess, nil
	case "<=", "le", "lte":
		return ConditionLessEqual, nil
	case "=", "==", "eq":
		return ConditionEqual, nil
	case "!=", "<>", "ne":
		return ConditionNotEqual, nil
	}
	return "", fmt.Errorf("unknown condition %q: %w", s, ErrInvalidRule)
}

// Valid reports whether c is one of the six supported operators
func (c Condition) Valid() bool {
	for _, known := range Conditions {
		if c == known {
			return true
		}
	}
	return false
}

// Compare evaluates price <c> reference with exact decimal semantics
func (c Condition) Compare(price, reference decimal.Decimal) bool {
	switch c {
	case ConditionGreater:
		return price.GreaterThan(reference)
	case ConditionGreaterEqual:
		return price.GreaterThanOrEqual(reference)
	case ConditionLess:
		return price.LessThan(reference)
	case ConditionLessEqual:
		return price.LessThanOrEqual(reference)
	case ConditionEqual:
		return price.Equal(reference)
	case ConditionNotEqual:
		return !price.Equal(reference)
	default:
		return false
	}
}

// Rule is one conditional price adjustment. Store order is evaluation order.
type Rule struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	ProductType          string          `json:"productType"`
	ReferencePrice       decimal.Decimal `json:"referencePrice"`
	Condition            Condition       `json:"condition"`
	AdjustmentPercentage decimal.Decimal `json:"adjustmentPercentage"`
	ExceptionQuantity    int             `json:"exceptionQuantity"`
	Active               bool            `json:"active"`

	// Expression is an optional CEL filter over Product; empty means no filter.
	Expression string `json:"expression,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultName derives the label used when a rule is created without one
func (r Rule) DefaultName() string {
	return fmt.Sprintf("Rule %s %s %s", r.ProductType, r.Condition, r.ReferencePrice.String())
}

// MatchesType tests the case-insensitive substring match against name or group
func (r Rule) MatchesType(p Product) bool {
	needle := strings.ToLower(r.ProductType)
	return strings.Contains(strings.ToLower(p.Name), needle) ||
		strings.Contains(strings.ToLower(p.GroupName), needle)
}

// HasException reports whether the rule exempts a product with the given stock
func (r Rule) HasException(stock int) bool {
	return r.ExceptionQuantity > 0 && stock == r.ExceptionQuantity
}

// RulePatch carries a partial update; nil fields are left untouched
type RulePatch struct {
	Name                 *string          `json:"name,omitempty"`
	ProductType          *string          `json:"productType,omitempty"`
	ReferencePrice       *decimal.Decimal `json:"referencePrice,omitempty"`
	Condition            *Condition       `json:"condition,omitempty"`
	AdjustmentPercentage *decimal.Decimal `json:"adjustmentPercentage,omitempty"`
	ExceptionQuantity    *int             `json:"exceptionQuantity,omitempty"`
	Active               *bool            `json:"active,omitempty"`
	Expression           *string          `json:"expression,omitempty"`
}

// Apply merges the patch into r and returns the result
func (p RulePatch) Apply(r Rule) Rule {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.ProductType != nil {
		r.ProductType = *p.ProductType
	}
	if p.ReferencePrice != nil {
		r.ReferencePrice = *p.ReferencePrice
	}
	if p.Condition != nil {
		r.Condition = *p.Condition
	}
	if p.AdjustmentPercentage != nil {
		r.AdjustmentPercentage = *p.AdjustmentPercentage
	}
	if p.ExceptionQuantity != nil {
		r.ExceptionQuantity = *p.ExceptionQuantity
	}
	if p.Active != nil {
		r.Active = *p.Active
	}
	if p.Expression != nil {
		r.Expression = *p.Expression
	}
	return r
}

// IsEmpty reports whether the patch changes nothing
func (p RulePatch) IsEmpty() bool {
	return p == RulePatch{}
}

// Product is the read-only catalog snapshot a rule is evaluated against
type Product struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	GroupID      string          `json:"groupId,omitempty"`
	GroupName    string          `json:"groupName"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	Stock        int             `json:"stock"`
}

// Outcome is the result of evaluating one product against the rule list
type Outcome struct {
	MatchedRuleID   string `json:"matchedRuleId,omitempty"`
	MatchedRuleName string `json:"matchedRuleName,omitempty"`
	// ExemptedByRuleID is the rule whose exception quantity kept the price;
	// an exempted product has no matched rule.
	ExemptedByRuleID string          `json:"exemptedByRuleId,omitempty"`
	NewPrice         decimal.Decimal `json:"newPrice"`
	Changed          bool            `json:"changed"`
	Reason           string          `json:"reason"`
}

// Evaluation reasons
const (
	ReasonNoRuleMatched = "no rule matched"
	ReasonException     = "exception by quantity"
	ReasonInvalidInput  = "invalid product data"
)
