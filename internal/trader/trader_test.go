package trader

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/quantpilot/internal/audit"
	"github.com/rewired-gh/quantpilot/internal/datafeed"
	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/metrics"
	"github.com/rewired-gh/quantpilot/internal/models"
	"github.com/rewired-gh/quantpilot/internal/notify"
	"github.com/rewired-gh/quantpilot/internal/position"
	"github.com/rewired-gh/quantpilot/internal/strategy"
	"github.com/rewired-gh/quantpilot/internal/timeseries"
)

var testNow = time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)

type fixedSignals struct {
	signals models.Signals
	err     error
}

func (f *fixedSignals) ComputeAll(context.Context, []*strategy.Strategy) (models.Signals, error) {
	return f.signals, f.err
}

type fakePrices struct {
	prices    models.Amounts
	err       error
	requested []string
}

func (f *fakePrices) Snapshot(_ context.Context, symbols []string) (models.Amounts, error) {
	f.requested = symbols
	return f.prices, f.err
}

type fakeAccount struct {
	calls     int
	snapshots []models.Amounts
	err       error
}

func (f *fakeAccount) CurrentPositions(context.Context) (models.Amounts, error) {
	if f.err != nil {
		return nil, f.err
	}
	i := min(f.calls, len(f.snapshots)-1)
	f.calls++
	out := make(models.Amounts)
	for k, v := range f.snapshots[i] {
		out[k] = v
	}
	return out, nil
}

type fakeExecutor struct {
	deltas models.Amounts
	tickID string
}

func (f *fakeExecutor) Execute(_ context.Context, tickID string, deltas, _ models.Amounts) ([]models.OrderOutcome, error) {
	f.deltas, f.tickID = deltas, tickID
	var out []models.OrderOutcome
	for _, s := range deltas.Symbols() {
		side := "BUY"
		if deltas[s] < 0 {
			side = "SELL"
		}
		out = append(out, models.OrderOutcome{ID: s, Symbol: s, Side: side, Amount: deltas[s], Status: "FILLED", SubmittedAt: testNow})
	}
	return out, nil
}

func newStrategy(t *testing.T, id int, symbol string) *strategy.Strategy {
	t.Helper()
	s, err := strategy.New(models.StrategyConfig{
		ID: id, Name: "ttp_r", Family: "ttp", Type: models.TypeReversal,
		Symbol: symbol, Timeframe: "1h", FinalWeight: 0.5,
		ParamSets: []models.ParamSet{{Model: "B", Params: []float64{1, 24, 48, 1.5}}},
	}, nil)
	require.NoError(t, err)
	return s
}

type harness struct {
	trader   *Trader
	signals  *fixedSignals
	prices   *fakePrices
	account  *fakeAccount
	executor *fakeExecutor
	table    *audit.CSVTable
	rec      *notify.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	btc, eth := newStrategy(t, 1, "BTC"), newStrategy(t, 2, "ETH")
	infos := map[string]models.SymbolInfo{
		"BTC": {Coin: "BTC", AmountPrecision: 4, AnchorPrice: 50000},
		"ETH": {Coin: "ETH", AmountPrecision: 3, AnchorPrice: 2500},
	}
	table, err := audit.NewCSVTable(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		signals:  &fixedSignals{signals: models.Signals{btc.Key(): 1, eth.Key(): 0.5}},
		prices:   &fakePrices{prices: models.Amounts{"BTC": 60000, "ETH": 3000}},
		account:  &fakeAccount{snapshots: []models.Amounts{{"BTC": 0.2, "USD": 50000, "DOGE": 100}, {"BTC": 0.5333, "USD": 1000, "XRP": 5}}},
		executor: &fakeExecutor{},
		table:    table,
		rec:      &notify.Recorder{},
	}
	tr, err := New(Deps{
		Strategies: []*strategy.Strategy{btc, eth},
		Signals:    h.signals,
		Engine:     position.NewEngine(infos, logger.Nop()),
		Prices:     h.prices,
		Account:    h.account,
		Executor:   h.executor,
		Audit:      audit.New(table, logger.Nop()),
		Metrics:    metrics.New(),
		Notifier:   h.rec,
	}, []string{"ETH", "BTC"}, Options{Balance: 100000, MaxLeverage: 0.4}, logger.Nop())
	require.NoError(t, err)
	tr.SetClock(func() time.Time { return testNow })
	h.trader = tr
	return h
}

func TestRunTick_FullPipeline(t *testing.T) {
	h := newHarness(t)

	res, err := h.trader.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC", "ETH"}, h.prices.requested)

	// targets {BTC: 1, ETH: 10}; ref leverage 0.75 > 0.4
	assert.True(t, res.Leverage.Capped)
	assert.InDelta(t, 0.75, res.Leverage.Reference, 1e-12)
	assert.InDelta(t, 0.9, res.Leverage.Real, 1e-12)
	assert.Equal(t, models.Amounts{"BTC": 0.5333, "ETH": 5.333}, res.Leverage.Targets)

	// deltas come from the capped targets; the quote coin is not traded
	assert.InDelta(t, 0.3333, h.executor.deltas["BTC"], 1e-9)
	assert.InDelta(t, 5.333, h.executor.deltas["ETH"], 1e-9)
	assert.Equal(t, -100.0, h.executor.deltas["DOGE"])
	assert.NotContains(t, h.executor.deltas, "USD")
	assert.Equal(t, res.TickID, h.executor.tickID)
	assert.Len(t, res.Orders, 3)

	// USD 1000 + BTC 0.5333 × 60000; XRP has no price
	assert.InDelta(t, 1000+0.5333*60000, res.Balance, 1e-6)

	lev, ok, err := h.table.Last(audit.FamilyLeverage)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0.5333", lev["deleveraged_BTC"])
	assert.Equal(t, "0.75", lev["leverage_ref"])

	for _, family := range []string{
		audit.FamilySignals, audit.FamilyTargetsByStrategy, audit.FamilyTargetsBySymbol,
		audit.FamilyDeltas, audit.FamilySuccessTrades, audit.FamilyCurrentPositions, audit.FamilyCurrentBalance,
	} {
		_, ok, err := h.table.Last(family)
		require.NoError(t, err)
		assert.True(t, ok, family)
	}
	bal, _, err := h.table.Last(audit.FamilyCurrentBalance)
	require.NoError(t, err)
	assert.Equal(t, "0", bal["XRP"])

	// two weighted reports
	assert.Equal(t, 2, h.rec.Count())
}

func TestRunTick_WithinBoundLogsScalar(t *testing.T) {
	h := newHarness(t)
	h.trader.opts.MaxLeverage = 1

	res, err := h.trader.RunTick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Leverage.Capped)

	lev, _, err := h.table.Last(audit.FamilyLeverage)
	require.NoError(t, err)
	assert.Equal(t, "0.75", lev["deleveraged"])
}

func TestRunTick_HardFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *harness)
		target error
	}{
		{name: "cache miss", mutate: func(h *harness) { h.signals.err = timeseries.ErrCacheMiss }, target: timeseries.ErrCacheMiss},
		{name: "stale prices", mutate: func(h *harness) { h.prices.err = datafeed.ErrStaleFallback }, target: datafeed.ErrStaleFallback},
		{name: "positions unavailable", mutate: func(h *harness) { h.account.err = errors.New("401") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.mutate(h)
			_, err := h.trader.RunTick(context.Background())
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
			assert.Nil(t, h.executor.deltas, "no orders after a hard failure")
		})
	}
}

func TestRunTick_MissingLivePriceStillCaps(t *testing.T) {
	h := newHarness(t)
	delete(h.prices.prices, "ETH")

	res, err := h.trader.RunTick(context.Background())
	require.NoError(t, err)

	// the cap uses anchor prices only
	assert.True(t, res.Leverage.Capped)
	assert.InDelta(t, 0.75, res.Leverage.Reference, 1e-12)
	assert.True(t, math.IsNaN(res.Leverage.Real))
	assert.Equal(t, []string{"ETH"}, res.Leverage.MissingPrices)
	assert.Equal(t, models.Amounts{"BTC": 0.5333, "ETH": 5.333}, res.Leverage.Targets)
	assert.InDelta(t, 5.333, h.executor.deltas["ETH"], 1e-9)

	lev, ok, err := h.table.Last(audit.FamilyLeverage)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "", lev["leverage_real"])
	assert.Equal(t, "0.75", lev["leverage_ref"])

	// two weighted reports, then the warning
	require.Equal(t, 3, h.rec.Count())
	assert.Contains(t, h.rec.Messages[2], "ETH")
}

func TestRunTick_SecondTickIsIdempotentInAudit(t *testing.T) {
	h := newHarness(t)
	_, err := h.trader.RunTick(context.Background())
	require.NoError(t, err)

	wrote, err := audit.New(h.table, logger.Nop()).Signals(h.signals.signals, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestNew_RejectsBadOptions(t *testing.T) {
	_, err := New(Deps{}, nil, Options{Balance: 0, MaxLeverage: 1}, logger.Nop())
	assert.Error(t, err)
	_, err = New(Deps{}, nil, Options{Balance: 1, MaxLeverage: 0}, logger.Nop())
	assert.Error(t, err)
}
