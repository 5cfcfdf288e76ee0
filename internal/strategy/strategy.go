// Package strategy turns cached indicator series into per-instance trading signals.
package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/rewired-gh/quantpilot/internal/models"
)

// SeriesLoader is the cache contract a strategy reads its alpha series from.
type SeriesLoader interface {
	Load(ctx context.Context, kind models.IndicatorKind, symbol, timeframe, alertTitle string) (models.Series, error)
}

// Alpha is the capability a strategy instance offers the aggregator.
type Alpha interface {
	FetchAlpha(ctx context.Context) (models.Series, error)
	ComputeModelSignal(series models.Series, params []float64, model string) ([]float64, error)
}

// Strategy binds an immutable config to its family profile and model table.
type Strategy struct {
	Config  models.StrategyConfig
	profile Profile
	loader  SeriesLoader
	models  map[string]ModelFunc
}

var _ Alpha = (*Strategy)(nil)

// New builds a strategy. Unknown families and invalid configs fail with ErrInvalidConfig.
func New(cfg models.StrategyConfig, loader SeriesLoader) (*Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, cfg.Label(), err)
	}
	profile, err := LookupProfile(cfg.Family)
	if err != nil {
		return nil, err
	}
	return &Strategy{Config: cfg, profile: profile, loader: loader, models: DefaultModels}, nil
}

// Key returns the instance's identity.
func (s *Strategy) Key() models.StratKey { return s.Config.Key() }

// Indicator returns the series kind the strategy reads.
func (s *Strategy) Indicator() models.IndicatorKind { return s.profile.Indicator }

// FetchAlpha loads the strategy's indicator series from the cache.
func (s *Strategy) FetchAlpha(ctx context.Context) (models.Series, error) {
	return s.loader.Load(ctx, s.profile.Indicator, s.Config.Symbol, s.Config.Timeframe, "")
}

// ComputeModelSignal runs one model over the series and returns one value per row.
func (s *Strategy) ComputeModelSignal(series models.Series, params []float64, model string) ([]float64, error) {
	fn, ok := s.models[model]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", ErrUnknownModel, model, s.Config.Label())
	}
	p, err := extractParams(params, s.profile.ParamOffset, s.Config.Type == models.TypeReversal)
	if err != nil {
		return nil, err
	}
	x := series.Values()
	if s.profile.Log {
		for i, v := range x {
			x[i] = math.Log(v)
		}
	}
	return fn(x, p), nil
}
