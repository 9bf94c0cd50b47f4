// Package pricing maps provider token usage to monetary cost.
//
// All arithmetic is decimal to keep billing figures exact across many
// accumulated usage rows.
package pricing

import "github.com/shopspring/decimal"

// DefaultModel is the rate row applied to models missing from the table.
// Unknown models are billed, never free.
const DefaultModel = "default"

// Rate holds per-1000-token prices in USD.
type Rate struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

var rates = map[string]Rate{
	"gpt-4":         {InputPer1K: dec("0.03"), OutputPer1K: dec("0.06")},
	"gpt-4-turbo":   {InputPer1K: dec("0.01"), OutputPer1K: dec("0.03")},
	"gpt-4o":        {InputPer1K: dec("0.005"), OutputPer1K: dec("0.015")},
	"gpt-4o-mini":   {InputPer1K: dec("0.00015"), OutputPer1K: dec("0.0006")},
	"gpt-3.5-turbo": {InputPer1K: dec("0.0005"), OutputPer1K: dec("0.0015")},
	// Azure deployment naming for the same family.
	"gpt-35-turbo": {InputPer1K: dec("0.0005"), OutputPer1K: dec("0.0015")},
	DefaultModel:   {InputPer1K: dec("0.005"), OutputPer1K: dec("0.015")},
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var thousand = decimal.NewFromInt(1000)

// RateFor returns the rate row for a model, falling back to DefaultModel.
func RateFor(model string) Rate {
	if r, ok := rates[model]; ok {
		return r
	}
	return rates[DefaultModel]
}

// Cost computes (inputTokens*inputRate + outputTokens*outputRate) / 1000.
// Pure and deterministic.
func Cost(model string, inputTokens, outputTokens int64) decimal.Decimal {
	r := RateFor(model)
	in := decimal.NewFromInt(inputTokens).Mul(r.InputPer1K)
	out := decimal.NewFromInt(outputTokens).Mul(r.OutputPer1K)
	return in.Add(out).Div(thousand)
}

// Models returns the tabulated model names, excluding the default row.
func Models() []string {
	names := make([]string, 0, len(rates)-1)
	for name := range rates {
		if name == DefaultModel {
			continue
		}
		names = append(names, name)
	}
	return names
}
