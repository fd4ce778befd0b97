package simulation

import (
	"github.com/liamcoop/pricerules/rules"
	"github.com/shopspring/decimal"
)

// Status of one simulated product
type Status string

const (
	StatusChanged   Status = "changed"
	StatusUnchanged Status = "unchanged"
)

// Result is the preview line for one product
type Result struct {
	Product     rules.Product   `json:"product"`
	OldPrice    decimal.Decimal `json:"oldPrice"`
	NewPrice    decimal.Decimal `json:"newPrice"`
	DiffPercent decimal.Decimal `json:"diffPercent"`
	// MatchedRule is the matched rule's name, nil when no rule matched
	MatchedRule   *string `json:"matchedRule"`
	MatchedRuleID string  `json:"matchedRuleId,omitempty"`
	// ExemptedByRuleID is set when a rule's exception quantity kept the price
	ExemptedByRuleID string `json:"exemptedByRuleId,omitempty"`
	Status           Status `json:"status"`
	Reason           string `json:"reason"`
	// Flagged marks products that could not be evaluated
	Flagged bool   `json:"flagged,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Changed reports whether applying this result would update the product
func (r Result) Changed() bool {
	return r.Status == StatusChanged
}

// Summary counts preview results
type Summary struct {
	Total     int `json:"total"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Flagged   int `json:"flagged"`
}

// Summarize counts results by status
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Changed() {
			s.Changed++
		} else {
			s.Unchanged++
		}
		if r.Flagged {
			s.Flagged++
		}
	}
	return s
}

// ChangedOnly filters results down to the ones apply would send
func ChangedOnly(results []Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Changed() {
			out = append(out, r)
		}
	}
	return out
}

var hundred = decimal.NewFromInt(100)

// diffPercent is (new-old)/old in percent with two decimals; zero when old is zero
func diffPercent(oldPrice, newPrice decimal.Decimal) decimal.Decimal {
	if oldPrice.IsZero() {
		return decimal.Zero
	}
	return newPrice.Sub(oldPrice).Div(oldPrice).Mul(hundred).Round(2)
}

func newResult(p rules.Product, out rules.Outcome, evalErr error) Result {
	res := Result{
		Product:       p,
		OldPrice:      p.CurrentPrice,
		NewPrice:      out.NewPrice,
		MatchedRuleID: out.MatchedRuleID,
		Status:        StatusUnchanged,
		Reason:        out.Reason,

		ExemptedByRuleID: out.ExemptedByRuleID,
	}
	if out.MatchedRuleName != "" {
		name := out.MatchedRuleName
		res.MatchedRule = &name
	}
	if out.Changed {
		res.Status = StatusChanged
	}
	if evalErr != nil {
		res.Status = StatusUnchanged
		res.NewPrice = p.CurrentPrice
		res.Flagged = true
		res.Error = evalErr.Error()
		if res.Reason == "" {
			res.Reason = rules.ReasonInvalidInput
		}
	}
	res.DiffPercent = diffPercent(res.OldPrice, res.NewPrice)
	return res
}
