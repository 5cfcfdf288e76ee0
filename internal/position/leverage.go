package position

import (
	"errors"
	"fmt"
	"math"

	"github.com/rewired-gh/quantpilot/internal/models"
)

// CapResult is the outcome of one leverage check.
type CapResult struct {
	Real      float64
	Reference float64
	Capped    bool
	Factor    float64
	Targets   models.Amounts

	// MissingPrices lists target symbols without a live price. Real is NaN when non-empty.
	MissingPrices []string
}

// RealLeverage values targets at live prices.
func RealLeverage(targets, livePrices models.Amounts, balance float64) (float64, error) {
	if balance <= 0 {
		return 0, ErrInvalidBalance
	}
	var notional float64
	for _, s := range targets.Symbols() {
		price, ok := livePrices[s]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingPrice, s)
		}
		notional += targets[s] * price
	}
	return notional / balance, nil
}

// ReferenceLeverage values targets at the fixed anchor prices.
func (e *Engine) ReferenceLeverage(targets models.Amounts, balance float64) (float64, error) {
	if balance <= 0 {
		return 0, ErrInvalidBalance
	}
	var notional float64
	for _, s := range targets.Symbols() {
		info, ok := e.infos[s]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingSymbolInfo, s)
		}
		notional += targets[s] * info.AnchorPrice
	}
	return notional / balance, nil
}

// Deleverage scales every target by maxLeverage/leverage and re-rounds it.
// Symbols without metadata are scaled but not rounded; Cap never passes such symbols,
// so that branch serves direct callers only.
func (e *Engine) Deleverage(targets models.Amounts, leverage, maxLeverage float64) models.Amounts {
	factor := maxLeverage / leverage
	out := make(models.Amounts, len(targets))
	for s, amount := range targets {
		info, ok := e.infos[s]
		if !ok {
			e.log.Warn("No symbol info for %s, scaling without rounding", s)
			out[s] = amount * factor
			continue
		}
		out[s] = Round(amount*factor, info.AmountPrecision)
	}
	return out
}

// Cap computes both leverage figures and scales targets down when the reference
// leverage is above maxLeverage. Targets pass through untouched otherwise.
// The cap depends on anchor prices only; symbols without a live price make Real NaN
// and are reported in MissingPrices.
func (e *Engine) Cap(targets, livePrices models.Amounts, balance, maxLeverage float64) (CapResult, error) {
	ref, err := e.ReferenceLeverage(targets, balance)
	if err != nil {
		return CapResult{}, fmt.Errorf("failed to compute reference leverage: %w", err)
	}
	res := CapResult{Reference: ref, Factor: 1, Targets: targets}

	res.Real, err = RealLeverage(targets, livePrices, balance)
	if errors.Is(err, ErrMissingPrice) {
		for _, s := range targets.Symbols() {
			if _, ok := livePrices[s]; !ok {
				res.MissingPrices = append(res.MissingPrices, s)
			}
		}
		res.Real = math.NaN()
		e.log.Warn("No live price for %v, real leverage unknown", res.MissingPrices)
	} else if err != nil {
		return CapResult{}, fmt.Errorf("failed to compute real leverage: %w", err)
	}

	if ref > maxLeverage {
		res.Capped = true
		res.Factor = maxLeverage / ref
		res.Targets = e.Deleverage(targets, ref, maxLeverage)
		e.log.Info("Reference leverage %.4f above %.4f, scaled targets by %.6f", ref, maxLeverage, res.Factor)
	}
	return res, nil
}
