// Package position turns strategy signals into bounded per-symbol order targets.
package position

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/models"
)

var (
	ErrMissingSymbolInfo = errors.New("missing symbol info")
	ErrMissingPrice      = errors.New("missing live price")
	ErrInvalidBalance    = errors.New("balance must be positive")
)

// Engine sizes, caps and diffs positions against a fixed symbol metadata table.
type Engine struct {
	infos map[string]models.SymbolInfo
	log   *logger.Logger
}

// NewEngine returns an engine over infos keyed by base symbol.
func NewEngine(infos map[string]models.SymbolInfo, log *logger.Logger) *Engine {
	return &Engine{infos: infos, log: log.With("position")}
}

// Round rounds v to precision decimal places, half to even.
func Round(v float64, precision int) float64 {
	f, _ := decimal.NewFromFloat(v).RoundBank(int32(precision)).Float64()
	return f
}

// TargetAmount converts a signal into a coin amount at the symbol's anchor price.
func TargetAmount(signal, balance, weight float64, info models.SymbolInfo) (float64, error) {
	if info.AnchorPrice <= 0 {
		return 0, fmt.Errorf("%w: %s has no anchor price", ErrMissingSymbolInfo, info.Coin)
	}
	usd := signal * balance * weight
	return Round(usd/info.AnchorPrice, info.AmountPrecision), nil
}

// TargetsByStrategy sizes every instance that produced a signal this tick.
// Instances whose symbol has no metadata are logged and left out.
func (e *Engine) TargetsByStrategy(configs []models.StrategyConfig, signals models.Signals, balance float64) models.StrategyAmounts {
	out := make(models.StrategyAmounts, len(signals))
	for _, c := range configs {
		sig, ok := signals[c.Key()]
		if !ok {
			continue
		}
		info, ok := e.infos[c.Symbol]
		if !ok {
			e.log.Error("No symbol info for %s, skipping %s", c.Symbol, c.Label())
			continue
		}
		amount, err := TargetAmount(sig, balance, c.FinalWeight, info)
		if err != nil {
			e.log.Error("Failed to size %s: %v", c.Label(), err)
			continue
		}
		out[c.Key()] = amount
	}
	return out
}

// AggregateBySymbol sums per-instance targets by symbol without rounding.
func AggregateBySymbol(byStrategy models.StrategyAmounts) models.Amounts {
	out := make(models.Amounts)
	for k, amount := range byStrategy {
		out[k.Symbol] += amount
	}
	return out
}
