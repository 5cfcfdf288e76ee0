package strategy

import (
	"errors"
	"fmt"
	"math"

	"github.com/rewired-gh/quantpilot/internal/models"
)

var (
	ErrUnknownModel  = errors.New("unknown model")
	ErrInvalidConfig = errors.New("invalid strategy config")
	ErrEmptySeries   = errors.New("empty alpha series")
)

// Profile describes how a strategy family reads its alpha series.
type Profile struct {
	Indicator models.IndicatorKind
	// Log applies the natural log to values before any rolling statistic.
	Log bool
	// ParamOffset is the index of the first window parameter inside a parameter set.
	ParamOffset int
}

var profiles = map[string]Profile{
	"oi":  {Indicator: models.OpenInterest, Log: true, ParamOffset: 1},
	"ttp": {Indicator: models.TopTraderPosition},
	"gls": {Indicator: models.GlobalLongShort},
	"tls": {Indicator: models.TopLongShort},
	"tsl": {Indicator: models.TakerSellLong},
	"tbl": {Indicator: models.TakerBuyLong},
}

// LookupProfile returns the profile for a family name.
func LookupProfile(family string) (Profile, error) {
	p, ok := profiles[family]
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown family %q", ErrInvalidConfig, family)
	}
	return p, nil
}

// ModelParams are the positional parameters every model consumes.
type ModelParams struct {
	Window1   int
	Window2   int
	Threshold float64
	Reversal  bool
}

// ModelFunc turns a value column into a per-row signal.
type ModelFunc func(x []float64, p ModelParams) []float64

// DefaultModels is the model-tag dispatch table.
var DefaultModels = map[string]ModelFunc{
	"B": bandModel,
	"R": rankModel,
}

// bandModel fires when the rolling z-score crosses the threshold.
func bandModel(x []float64, p ModelParams) []float64 {
	ma := RollingMean(x, p.Window1)
	std := RollingStd(x, p.Window2)
	out := make([]float64, len(x))
	for i := range x {
		z := (x[i] - ma[i]) / std[i]
		if p.Reversal {
			out[i] = indicator(z < -p.Threshold)
		} else {
			out[i] = indicator(z > p.Threshold)
		}
	}
	return out
}

// rankModel fires on the percentile rank of the moving average.
func rankModel(x []float64, p ModelParams) []float64 {
	ma := RollingMean(x, p.Window1)
	rank := RollingPctRank(ma, p.Window2)
	out := make([]float64, len(x))
	for i := range x {
		if p.Reversal {
			out[i] = indicator(rank[i] < 1-p.Threshold)
		} else {
			out[i] = indicator(rank[i] > p.Threshold)
		}
	}
	return out
}

// indicator maps a comparison to 1/0. Comparisons against NaN are false.
func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func extractParams(params []float64, offset int, reversal bool) (ModelParams, error) {
	if len(params) < offset+3 {
		return ModelParams{}, fmt.Errorf("%w: need %d parameters, got %d", ErrInvalidConfig, offset+3, len(params))
	}
	w1, w2 := params[offset], params[offset+1]
	if w1 < 1 || w2 < 1 || w1 != math.Trunc(w1) || w2 != math.Trunc(w2) {
		return ModelParams{}, fmt.Errorf("%w: windows must be positive integers, got %v, %v", ErrInvalidConfig, w1, w2)
	}
	return ModelParams{
		Window1:   int(w1),
		Window2:   int(w2),
		Threshold: params[offset+2],
		Reversal:  reversal,
	}, nil
}
