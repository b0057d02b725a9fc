package billing

import (
	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/shopspring/decimal"
)

// ModelPrice is the per-token price of one model
type ModelPrice struct {
	Provider         string
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// PriceTable maps model ids to prices
type PriceTable struct {
	prices map[string]ModelPrice
}

// NewPriceTable creates a price table from the given prices
func NewPriceTable(prices map[string]ModelPrice) *PriceTable {
	return &PriceTable{prices: prices}
}

// DefaultPriceTable returns the built-in provider price list
func DefaultPriceTable() *PriceTable {
	return NewPriceTable(map[string]ModelPrice{
		"claude-sonnet": {
			Provider:         "anthropic",
			InputPerMillion:  decimal.RequireFromString("3.00"),
			OutputPerMillion: decimal.RequireFromString("15.00"),
		},
		"claude-haiku": {
			Provider:         "anthropic",
			InputPerMillion:  decimal.RequireFromString("0.80"),
			OutputPerMillion: decimal.RequireFromString("4.00"),
		},
		"gpt-4o": {
			Provider:         "openai",
			InputPerMillion:  decimal.RequireFromString("2.50"),
			OutputPerMillion: decimal.RequireFromString("10.00"),
		},
		"gpt-4o-mini": {
			Provider:         "openai",
			InputPerMillion:  decimal.RequireFromString("0.15"),
			OutputPerMillion: decimal.RequireFromString("0.60"),
		},
	})
}

var million = decimal.NewFromInt(1_000_000)

// Lookup returns the price entry for a model
func (t *PriceTable) Lookup(model string) (ModelPrice, error) {
	p, ok := t.prices[model]
	if !ok {
		return ModelPrice{}, errdefs.Newf(errdefs.KindValidation, "no price for model %s", model)
	}
	return p, nil
}

// Cost computes the cost of a call in credit units
func (t *PriceTable) Cost(model string, inputTokens, outputTokens int) (decimal.Decimal, error) {
	p, err := t.Lookup(model)
	if err != nil {
		return decimal.Zero, err
	}
	in := p.InputPerMillion.Mul(decimal.NewFromInt(int64(inputTokens))).Div(million)
	out := p.OutputPerMillion.Mul(decimal.NewFromInt(int64(outputTokens))).Div(million)
	return in.Add(out), nil
}
