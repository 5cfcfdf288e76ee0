// Package trader runs one full trading pass: signals, sizing, leverage cap, deltas, orders
// and the audit trail for each stage.
package trader

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/quantpilot/internal/audit"
	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/metrics"
	"github.com/rewired-gh/quantpilot/internal/models"
	"github.com/rewired-gh/quantpilot/internal/notify"
	"github.com/rewired-gh/quantpilot/internal/position"
	"github.com/rewired-gh/quantpilot/internal/report"
	"github.com/rewired-gh/quantpilot/internal/strategy"
)

// SignalSource computes the per-instance signals of one tick.
type SignalSource interface {
	ComputeAll(ctx context.Context, strategies []*strategy.Strategy) (models.Signals, error)
}

// PriceSource returns one live-price snapshot per tick.
type PriceSource interface {
	Snapshot(ctx context.Context, symbols []string) (models.Amounts, error)
}

// Account reports the holdings of the trading account.
type Account interface {
	CurrentPositions(ctx context.Context) (models.Amounts, error)
}

// OrderExecutor turns deltas into orders.
type OrderExecutor interface {
	Execute(ctx context.Context, tickID string, deltas, prices models.Amounts) ([]models.OrderOutcome, error)
}

// Options are the sizing parameters of the loop.
type Options struct {
	Balance     float64
	MaxLeverage float64
	QuoteCoin   string
}

// Deps groups the collaborators of a Trader. Metrics may be nil.
type Deps struct {
	Strategies []*strategy.Strategy
	Signals    SignalSource
	Engine     *position.Engine
	Prices     PriceSource
	Account    Account
	Executor   OrderExecutor
	Audit      *audit.Log
	Metrics    *metrics.Metrics
	Notifier   notify.Notifier
}

// Result summarises a finished tick.
type Result struct {
	TickID   string
	Time     time.Time
	Signals  models.Signals
	Leverage position.CapResult
	Deltas   models.Amounts
	Orders   []models.OrderOutcome
	Balance  float64
}

// Trader owns the per-tick pipeline.
type Trader struct {
	deps     Deps
	opts     Options
	configs  []models.StrategyConfig
	symbols  []string
	notifier *notify.Best
	log      *logger.Logger
	now      func() time.Time
}

// New builds a trader. symbols is the universe whose prices are snapshotted each tick.
func New(deps Deps, symbols []string, opts Options, log *logger.Logger) (*Trader, error) {
	if opts.Balance <= 0 {
		return nil, fmt.Errorf("balance must be positive, got %v", opts.Balance)
	}
	if opts.MaxLeverage <= 0 {
		return nil, fmt.Errorf("max leverage must be positive, got %v", opts.MaxLeverage)
	}
	if opts.QuoteCoin == "" {
		opts.QuoteCoin = "USD"
	}
	configs := make([]models.StrategyConfig, len(deps.Strategies))
	for i, s := range deps.Strategies {
		configs[i] = s.Config
	}
	syms := append([]string(nil), symbols...)
	sort.Strings(syms)
	return &Trader{
		deps:     deps,
		opts:     opts,
		configs:  configs,
		symbols:  syms,
		notifier: notify.NewBest(deps.Notifier, log),
		log:      log.With("trader"),
		now:      time.Now,
	}, nil
}

// SetClock overrides the tick timestamp source.
func (t *Trader) SetClock(now func() time.Time) { t.now = now }

// RunTick executes one pass. Hard failures abort the tick and are returned; audit write
// failures are logged and the tick continues.
func (t *Trader) RunTick(ctx context.Context) (res *Result, err error) {
	start := time.Now()
	if t.deps.Metrics != nil {
		defer func() { t.deps.Metrics.ObserveTick(start, err) }()
	}

	now := t.now().UTC()
	res = &Result{TickID: uuid.NewString(), Time: now}
	log := t.log.WithField("tick", res.TickID)

	signals, err := t.deps.Signals.ComputeAll(ctx, t.deps.Strategies)
	if err != nil {
		return nil, fmt.Errorf("failed to compute signals: %w", err)
	}
	res.Signals = signals
	log.Info("Computed %d signals", len(signals))
	t.record(log, "signals", func() (bool, error) { return t.deps.Audit.Signals(signals, now) })
	report.Send(t.notifier, signals, t.configs)

	byStrategy := t.deps.Engine.TargetsByStrategy(t.configs, signals, t.opts.Balance)
	t.record(log, "target amounts by strategy", func() (bool, error) { return t.deps.Audit.TargetsByStrategy(byStrategy, now) })

	bySymbol := position.AggregateBySymbol(byStrategy)
	t.record(log, "target amounts by symbol", func() (bool, error) { return t.deps.Audit.TargetsBySymbol(bySymbol, now) })

	prices, err := t.deps.Prices.Snapshot(ctx, t.symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot prices: %w", err)
	}
	log.Info("Last prices fetched: %d symbols", len(prices))

	capped, err := t.deps.Engine.Cap(bySymbol, prices, t.opts.Balance, t.opts.MaxLeverage)
	if err != nil {
		return nil, err
	}
	res.Leverage = capped
	if len(capped.MissingPrices) > 0 {
		t.notifier.Warn(fmt.Sprintf("No live price for %v, real leverage unavailable", capped.MissingPrices))
	}
	log.Info("Leverage real %.4f, ref %.4f, capped %v", capped.Real, capped.Reference, capped.Capped)
	var deleveraged any = capped.Reference
	if capped.Capped {
		deleveraged = capped.Targets
	}
	t.record(log, "leverage", func() (bool, error) {
		return t.deps.Audit.Leverage(capped.Real, capped.Reference, deleveraged, now)
	})

	current, err := t.deps.Account.CurrentPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch current positions: %w", err)
	}
	delete(current, t.opts.QuoteCoin)

	deltas := position.Delta(capped.Targets, current)
	res.Deltas = deltas
	t.record(log, "delta amounts", func() (bool, error) { return t.deps.Audit.Deltas(deltas, now) })

	orders, execErr := t.deps.Executor.Execute(ctx, res.TickID, deltas, prices)
	res.Orders = orders
	if err := t.deps.Audit.Trades(orders, now); err != nil {
		log.Error("Failed to audit trades: %v", err)
	}
	if execErr != nil {
		return nil, fmt.Errorf("failed to execute orders: %w", execErr)
	}

	if t.deps.Metrics != nil {
		t.deps.Metrics.ObserveSignals(signals)
		t.deps.Metrics.ObserveLeverage(capped.Real, capped.Reference)
		t.deps.Metrics.ObserveTargets(capped.Targets)
		t.deps.Metrics.ObserveOrders(orders)
	}

	refreshed, err := t.deps.Account.CurrentPositions(ctx)
	if err != nil {
		log.Error("Failed to refresh positions after trading: %v", err)
		return res, nil
	}
	t.record(log, "current positions", func() (bool, error) { return t.deps.Audit.CurrentPositions(refreshed, now) })

	usd := t.valueInQuote(log, refreshed, prices)
	for _, v := range usd {
		res.Balance += v
	}
	t.record(log, "current balance", func() (bool, error) { return t.deps.Audit.CurrentBalance(usd, now) })
	if t.deps.Metrics != nil {
		t.deps.Metrics.BalanceUSD.Set(res.Balance)
	}
	log.Info("Tick done: %d orders, balance %.2f %s", len(orders), res.Balance, t.opts.QuoteCoin)
	return res, nil
}

// valueInQuote prices each holding in the quote coin. Coins without a price count as 0.
func (t *Trader) valueInQuote(log *logger.Logger, positions, prices models.Amounts) models.Amounts {
	out := make(models.Amounts, len(positions))
	for _, s := range positions.Symbols() {
		if s == t.opts.QuoteCoin {
			out[s] = positions[s]
			continue
		}
		price, ok := prices[s]
		if !ok {
			log.Warn("No price for %s, valuing holding at 0", s)
			out[s] = 0
			continue
		}
		out[s] = positions[s] * price
	}
	return out
}

func (t *Trader) record(log *logger.Logger, what string, fn func() (bool, error)) {
	wrote, err := fn()
	if err != nil {
		log.Error("Failed to audit %s: %v", what, err)
		return
	}
	if wrote {
		log.Debug("Audited %s", what)
	}
}
