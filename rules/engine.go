package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/liamcoop/pricerules/pricing"
)

// filterCostLimit bounds the work a single filter expression may do
const filterCostLimit = 1000000

// Engine evaluates products against an ordered rule list.
// Filter programs are compiled once per expression text and shared
// between rules; the engine is safe for concurrent use.
type Engine struct {
	env      *cel.Env
	rounding pricing.Policy
	programs map[string]cel.Program // expression -> compiled program
	mu       sync.RWMutex
}

// EngineOption customizes an Engine
type EngineOption func(*Engine)

// WithRounding sets the rounding applied to rule-adjusted prices.
// The default keeps the exact adjusted value.
func WithRounding(policy pricing.Policy) EngineOption {
	return func(en *Engine) {
		en.rounding = policy
	}
}

// NewEngine creates an engine with the product filter environment
func NewEngine(opts ...EngineOption) (*Engine, error) {
	env, err := NewFilterEnv()
	if err != nil {
		return nil, err
	}

	en := &Engine{
		env:      env,
		rounding: pricing.NoRounding,
		programs: make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(en)
	}
	return en, nil
}

// Rounding returns the policy applied to adjusted prices
func (en *Engine) Rounding() pricing.Policy {
	return en.rounding
}

// Compile compiles a filter expression and caches the program.
// Cost tracking stops runaway expressions.
func (en *Engine) Compile(expression string) (cel.Program, error) {
	en.mu.RLock()
	prog, ok := en.programs[expression]
	en.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := en.env.Program(ast, cel.CostLimit(filterCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	en.mu.Lock()
	en.programs[expression] = prog
	en.mu.Unlock()

	return prog, nil
}

// Evaluate runs the first-match-wins pass over rules for one product.
//
// Inactive rules are skipped. A rule matches when its product type is a
// substring of the product name or group, its filter expression (if any)
// holds, and its condition holds for the current price. An exception on the
// first matching rule ends the pass without a change and without a matched
// rule; ExemptedByRuleID names it instead.
//
// A product with a negative price yields an unchanged outcome and an error
// wrapping pricing.ErrInvalidInput; callers flag it and move on.
func (en *Engine) Evaluate(p Product, rules []Rule) (Outcome, error) {
	unchanged := Outcome{NewPrice: p.CurrentPrice}

	if p.CurrentPrice.IsNegative() {
		unchanged.Reason = ReasonInvalidInput
		return unchanged, fmt.Errorf("product %s price %s: %w", p.ID, p.CurrentPrice, pricing.ErrInvalidInput)
	}

	var facts map[string]any
	for _, rule := range rules {
		if !rule.Active || !rule.MatchesType(p) {
			continue
		}

		if rule.Expression != "" {
			if facts == nil {
				facts = FactsFor(p)
			}
			if !en.filterMatches(rule.Expression, facts) {
				continue
			}
		}

		if !rule.Condition.Compare(p.CurrentPrice, rule.ReferencePrice) {
			continue
		}

		if rule.HasException(p.Stock) {
			return Outcome{
				ExemptedByRuleID: rule.ID,
				NewPrice:         p.CurrentPrice,
				Reason:           fmt.Sprintf("%s (%d)", ReasonException, rule.ExceptionQuantity),
			}, nil
		}

		newPrice, err := pricing.Adjust(p.CurrentPrice, rule.AdjustmentPercentage, en.rounding)
		if err != nil {
			unchanged.Reason = ReasonInvalidInput
			return unchanged, fmt.Errorf("product %s with rule %s: %w", p.ID, rule.ID, err)
		}

		return Outcome{
			MatchedRuleID:   rule.ID,
			MatchedRuleName: rule.Name,
			NewPrice:        newPrice,
			Changed:         true,
		}, nil
	}

	unchanged.Reason = ReasonNoRuleMatched
	return unchanged, nil
}

// filterMatches reports whether expression holds for facts.
// Compile failures, runtime errors and non-boolean results count as no match.
func (en *Engine) filterMatches(expression string, facts map[string]any) bool {
	prog, err := en.Compile(expression)
	if err != nil {
		return false
	}

	out, _, err := prog.Eval(facts)
	if err != nil {
		return false
	}

	matched, ok := out.Value().(bool)
	return ok && matched
}
