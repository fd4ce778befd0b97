package simulation

import (
	"strings"

	"github.com/liamcoop/pricerules/pricing"
	"github.com/liamcoop/pricerules/rules"
	"github.com/shopspring/decimal"
)

// ResaleQuote is the suggested resale price for one product
type ResaleQuote struct {
	Product     rules.Product   `json:"product"`
	SellPrice   decimal.Decimal `json:"sellPrice"`
	ResalePrice decimal.Decimal `json:"resalePrice"`
	Error       string          `json:"error,omitempty"`
}

// ResaleReport lists quotes for one markup
type ResaleReport struct {
	Markup   decimal.Decimal `json:"markup"`
	Rounding string          `json:"rounding"`
	Group    string          `json:"group,omitempty"`
	Quotes   []ResaleQuote   `json:"quotes"`
	Skipped  int             `json:"skipped"`
}

// QuoteResale applies markup to every product's sell price using policy.
// group, when set, keeps products whose group id or name matches it
// (names compare case-insensitively). Products with an invalid price are
// quoted with an error and counted as skipped.
func QuoteResale(products []rules.Product, group string, markup decimal.Decimal, policy pricing.Policy) ResaleReport {
	report := ResaleReport{
		Markup:   markup,
		Rounding: policy.String(),
		Group:    group,
		Quotes:   make([]ResaleQuote, 0, len(products)),
	}

	for _, p := range products {
		if group != "" && p.GroupID != group && !strings.EqualFold(p.GroupName, group) {
			continue
		}

		quote := ResaleQuote{Product: p, SellPrice: p.CurrentPrice}
		price, err := pricing.Adjust(p.CurrentPrice, markup, policy)
		if err != nil {
			quote.Error = err.Error()
			report.Skipped++
		} else {
			quote.ResalePrice = price
		}
		report.Quotes = append(report.Quotes, quote)
	}
	return report
}
