package position

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/models"
)

func testInfos() map[string]models.SymbolInfo {
	return map[string]models.SymbolInfo{
		"A": {Coin: "A", AmountPrecision: 4, AnchorPrice: 100},
		"B": {Coin: "B", AmountPrecision: 4, AnchorPrice: 200},
	}
}

func TestRound(t *testing.T) {
	tests := []struct {
		v         float64
		precision int
		want      float64
	}{
		{v: 1.23456, precision: 2, want: 1.23},
		{v: 0.125, precision: 2, want: 0.12},
		{v: 0.135, precision: 2, want: 0.14},
		{v: 2.5, precision: 0, want: 2},
		{v: -1.005, precision: 3, want: -1.005},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Round(tt.v, tt.precision), "Round(%v, %d)", tt.v, tt.precision)
	}
}

func TestTargetAmount(t *testing.T) {
	info := models.SymbolInfo{Coin: "BTC", AmountPrecision: 5, AnchorPrice: 50000}
	got, err := TargetAmount(1, 100000, 0.1, info)
	require.NoError(t, err)
	assert.Equal(t, 0.2, got)

	got, err = TargetAmount(0.6667, 100000, 0.1, info)
	require.NoError(t, err)
	assert.Equal(t, 0.13334, got)

	_, err = TargetAmount(1, 1, 1, models.SymbolInfo{Coin: "X"})
	assert.ErrorIs(t, err, ErrMissingSymbolInfo)
}

func TestTargetsByStrategyAndAggregate(t *testing.T) {
	e := NewEngine(testInfos(), logger.Nop())
	configs := []models.StrategyConfig{
		{ID: 1, Name: "a1", Symbol: "A", Timeframe: "1h", FinalWeight: 0.25},
		{ID: 2, Name: "a2", Symbol: "A", Timeframe: "4h", FinalWeight: 0.25},
		{ID: 3, Name: "b1", Symbol: "B", Timeframe: "1h", FinalWeight: 0.5},
		{ID: 4, Name: "c1", Symbol: "C", Timeframe: "1h", FinalWeight: 0.5},
		{ID: 5, Name: "a3", Symbol: "A", Timeframe: "1h", FinalWeight: 0.5},
	}
	signals := models.Signals{
		configs[0].Key(): 1,
		configs[1].Key(): 0.5,
		configs[2].Key(): 1,
		configs[3].Key(): 1,
	}

	byStrat := e.TargetsByStrategy(configs, signals, 10000)
	assert.Equal(t, models.StrategyAmounts{
		configs[0].Key(): 25,
		configs[1].Key(): 12.5,
		configs[2].Key(): 25,
	}, byStrat)

	bySymbol := AggregateBySymbol(byStrat)
	assert.Equal(t, models.Amounts{"A": 37.5, "B": 25}, bySymbol)
}

func TestLeverage(t *testing.T) {
	e := NewEngine(testInfos(), logger.Nop())
	targets := models.Amounts{"A": 10, "B": 5}

	ref, err := e.ReferenceLeverage(targets, 10000)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, ref, 1e-12)

	realLev, err := RealLeverage(targets, models.Amounts{"A": 110, "B": 180}, 10000)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, realLev, 1e-12)

	_, err = RealLeverage(targets, models.Amounts{"A": 110}, 10000)
	assert.ErrorIs(t, err, ErrMissingPrice)

	_, err = e.ReferenceLeverage(models.Amounts{"Z": 1}, 10000)
	assert.ErrorIs(t, err, ErrMissingSymbolInfo)

	_, err = e.ReferenceLeverage(targets, 0)
	assert.ErrorIs(t, err, ErrInvalidBalance)
}

func TestCap_ScalesToMaxLeverage(t *testing.T) {
	e := NewEngine(testInfos(), logger.Nop())
	targets := models.Amounts{"A": 10, "B": 5}
	prices := models.Amounts{"A": 100, "B": 200}

	res, err := e.Cap(targets, prices, 10000, 0.10)
	require.NoError(t, err)
	assert.True(t, res.Capped)
	assert.InDelta(t, 0.2, res.Reference, 1e-12)
	assert.InDelta(t, 0.5, res.Factor, 1e-12)
	assert.Equal(t, models.Amounts{"A": 5, "B": 2.5}, res.Targets)

	after, err := e.ReferenceLeverage(res.Targets, 10000)
	require.NoError(t, err)
	assert.LessOrEqual(t, after, 0.10+1e-12)
}

func TestCap_WithinBoundPassesThrough(t *testing.T) {
	e := NewEngine(testInfos(), logger.Nop())
	targets := models.Amounts{"A": 10, "B": 5}

	res, err := e.Cap(targets, models.Amounts{"A": 100, "B": 200}, 10000, 0.5)
	require.NoError(t, err)
	assert.False(t, res.Capped)
	assert.Equal(t, 1.0, res.Factor)
	assert.Equal(t, targets, res.Targets)
}

func TestCap_MissingLivePriceStillCaps(t *testing.T) {
	e := NewEngine(testInfos(), logger.Nop())
	targets := models.Amounts{"A": 10, "B": 5}

	res, err := e.Cap(targets, models.Amounts{"A": 101}, 10000, 0.10)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, res.Reference, 1e-12)
	assert.True(t, res.Capped)
	assert.Equal(t, models.Amounts{"A": 5, "B": 2.5}, res.Targets)
	assert.True(t, math.IsNaN(res.Real))
	assert.Equal(t, []string{"B"}, res.MissingPrices)
}

func TestCap_MissingSymbolInfoFails(t *testing.T) {
	e := NewEngine(testInfos(), logger.Nop())
	_, err := e.Cap(models.Amounts{"Z": 1}, models.Amounts{"Z": 1}, 10000, 0.10)
	assert.ErrorIs(t, err, ErrMissingSymbolInfo)
}

func TestDeleverage_MissingInfoScalesWithoutRounding(t *testing.T) {
	e := NewEngine(testInfos(), logger.Nop())
	got := e.Deleverage(models.Amounts{"A": 1.00003, "Z": 1.00003}, 3, 1)
	assert.Equal(t, 0.3333, got["A"])
	assert.InDelta(t, 1.00003/3, got["Z"], 1e-15)
}

func TestDelta(t *testing.T) {
	tests := []struct {
		name    string
		target  models.Amounts
		current models.Amounts
		want    models.Amounts
	}{
		{
			name:    "union closes untargeted position",
			target:  models.Amounts{"A": 10},
			current: models.Amounts{"A": 4, "B": 3},
			want:    models.Amounts{"A": 6, "B": -3},
		},
		{
			name:   "no current position",
			target: models.Amounts{"A": 1.5},
			want:   models.Amounts{"A": 1.5},
		},
		{
			name:    "matched targets yield zero",
			target:  models.Amounts{"A": 2},
			current: models.Amounts{"A": 2},
			want:    models.Amounts{"A": 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Delta(tt.target, tt.current))
		})
	}
}
