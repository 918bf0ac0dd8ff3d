package plugin

import (
	"context"
	"fmt"

	"payment-switch/internal/models"
)

const fxFeeRate = 0.005

var defaultRates = map[string]map[string]float64{
	"MYR": {"SGD": 0.32, "USD": 0.24, "EUR": 0.22, "THB": 7.8, "IDR": 3500, "VND": 5600, "PHP": 12.5},
	"SGD": {"MYR": 3.12, "USD": 0.75, "EUR": 0.68},
	"USD": {"MYR": 4.16, "SGD": 1.33, "EUR": 0.91},
	"EUR": {"MYR": 4.57, "SGD": 1.47, "USD": 1.10},
}

// FXConverter converts foreign-currency transactions into the base currency.
type FXConverter struct {
	base  string
	rates map[string]map[string]float64
}

func NewFXConverter(base string) *FXConverter {
	return &FXConverter{base: base, rates: defaultRates}
}

func (f *FXConverter) Name() string { return "fx-converter" }

func (f *FXConverter) Enabled(txn models.Transaction, rc models.RequestContext) bool {
	return txn.Currency != f.base || rc.ForceConversion
}

func (f *FXConverter) Critical(txn models.Transaction, rc models.RequestContext) bool {
	return txn.Currency != f.base && !rc.AllowFXFailure
}

// Rate returns the from->to rate using a direct quote, the inverse quote, or a USD cross rate.
func (f *FXConverter) Rate(from, to string) (float64, bool) {
	if from == to {
		return 1, true
	}
	if r, ok := f.rates[from][to]; ok {
		return r, true
	}
	if r, ok := f.rates[to][from]; ok && r != 0 {
		return 1 / r, true
	}
	if from != "USD" && to != "USD" {
		toUSD, ok1 := f.rates[from]["USD"]
		fromUSD, ok2 := f.rates["USD"][to]
		if ok1 && ok2 {
			return toUSD * fromUSD, true
		}
	}
	return 0, false
}

func (f *FXConverter) Run(_ context.Context, txn models.Transaction, rc models.RequestContext) (Outcome, error) {
	target := rc.TargetCurrency
	if target == "" {
		target = f.base
	}
	rate, ok := f.Rate(txn.Currency, target)
	if !ok {
		return Outcome{}, fmt.Errorf("exchange rate not available for %s to %s", txn.Currency, target)
	}
	converted := models.RoundAmount(txn.Amount * rate)
	return Outcome{
		Action:     "converted",
		Conversion: &Conversion{Amount: converted, Currency: target, Rate: rate},
		Output: map[string]any{
			"originalAmount":    txn.Amount,
			"originalCurrency":  txn.Currency,
			"convertedAmount":   converted,
			"convertedCurrency": target,
			"exchangeRate":      rate,
			"provider":          "mock-fx-provider",
			"fees": map[string]any{
				"percentage": fxFeeRate * 100,
				"amount":     models.RoundAmount(txn.Amount * fxFeeRate),
				"currency":   f.base,
			},
		},
	}, nil
}
