package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/models"
	"github.com/rewired-gh/quantpilot/internal/notify"
	"github.com/rewired-gh/quantpilot/internal/position"
)

// ErrOrder marks a single symbol's order failure. Other symbols still trade.
var ErrOrder = errors.New("order failed")

// Executor defaults.
const (
	DefaultMinOrderUSD = 2.0
	DefaultOrderPause  = 2 * time.Second
	DefaultQuoteCoin   = "USD"
)

// OrderPlacer is the part of the exchange the executor needs.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, pair, side string, quantity float64) (*OrderResponse, error)
	PendingCount(ctx context.Context) (*PendingCount, error)
}

// Journal persists order outcomes.
type Journal interface {
	AddOrder(tickID string, o *models.OrderOutcome) error
}

// ExecutorOptions tunes order submission.
type ExecutorOptions struct {
	MinOrderUSD float64
	Pause       time.Duration
	QuoteCoin   string
}

// Executor submits one market order per non-zero delta.
type Executor struct {
	placer   OrderPlacer
	journal  Journal
	infos    map[string]models.SymbolInfo
	opts     ExecutorOptions
	notifier *notify.Best
	log      *logger.Logger
	now      func() time.Time
}

// NewExecutor builds an executor. journal may be nil.
func NewExecutor(placer OrderPlacer, journal Journal, infos map[string]models.SymbolInfo, opts ExecutorOptions, n notify.Notifier, log *logger.Logger) *Executor {
	if opts.MinOrderUSD <= 0 {
		opts.MinOrderUSD = DefaultMinOrderUSD
	}
	if opts.Pause < 0 {
		opts.Pause = 0
	}
	if opts.QuoteCoin == "" {
		opts.QuoteCoin = DefaultQuoteCoin
	}
	return &Executor{
		placer:   placer,
		journal:  journal,
		infos:    infos,
		opts:     opts,
		notifier: notify.NewBest(n, log),
		log:      log.With("executor"),
		now:      time.Now,
	}
}

// Execute trades every delta in symbol order and returns one outcome per submitted order.
// Per-symbol failures are recorded as outcomes carrying an error; only context
// cancellation stops the loop.
func (e *Executor) Execute(ctx context.Context, tickID string, deltas, prices models.Amounts) ([]models.OrderOutcome, error) {
	var outcomes []models.OrderOutcome
	for _, symbol := range deltas.Symbols() {
		amount := deltas[symbol]
		if amount == 0 || symbol == e.opts.QuoteCoin {
			continue
		}
		qty := math.Abs(amount)
		if info, ok := e.infos[symbol]; ok {
			qty = position.Round(qty, info.AmountPrecision)
			if qty == 0 {
				continue
			}
		}

		pair := symbol
		if !strings.Contains(symbol, "/") {
			pair = symbol + "/" + e.opts.QuoteCoin
		}
		price, hasPrice := prices[symbol]
		if hasPrice {
			if usd := qty * price; usd < e.opts.MinOrderUSD {
				e.log.Info("Skip %s amount %g below min USD %g", pair, amount, e.opts.MinOrderUSD)
				e.notifier.Info(fmt.Sprintf("[TRADE SKIPPED]\nReason: order value $%.6f < $%.6f\nSymbol: %s\nAmount: %g @ ~%g",
					usd, e.opts.MinOrderUSD, pair, qty, price))
				continue
			}
		} else {
			e.log.Warn("No price for %s, skipping min notional check", symbol)
		}

		if len(outcomes) > 0 && e.opts.Pause > 0 {
			select {
			case <-ctx.Done():
				return outcomes, ctx.Err()
			case <-time.After(e.opts.Pause):
			}
		}

		side := "BUY"
		if amount < 0 {
			side = "SELL"
		}
		o := e.submit(ctx, pair, symbol, side, qty, price)
		e.journalOutcome(tickID, &o)
		outcomes = append(outcomes, o)
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
	}

	if len(outcomes) > 0 {
		e.checkPending(ctx)
	}
	return outcomes, nil
}

func (e *Executor) submit(ctx context.Context, pair, symbol, side string, qty, price float64) models.OrderOutcome {
	o := models.OrderOutcome{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Pair:        pair,
		Side:        side,
		Amount:      qty,
		Price:       price,
		SubmittedAt: e.now().UTC(),
	}

	resp, err := e.placer.PlaceOrder(ctx, pair, side, qty)
	switch {
	case err != nil:
		o.Error = fmt.Errorf("%w: %s: %v", ErrOrder, pair, err).Error()
	case !resp.Success:
		o.Error = fmt.Errorf("%w: %s: %s", ErrOrder, pair, resp.ErrMsg).Error()
		o.Detail = resp.OrderDetail
	default:
		o.Detail = resp.OrderDetail
		o.Status = detailString(resp.OrderDetail, "Status")
		if id, ok := resp.OrderDetail["OrderID"].(float64); ok {
			o.OrderID = int64(id)
		}
		if p, ok := resp.OrderDetail["Price"].(float64); ok && p > 0 {
			o.Price = p
		}
	}

	if o.Succeeded() {
		e.log.Info("Order placed: %s %s %g status=%s", side, pair, qty, o.Status)
		e.notifier.Info(fmt.Sprintf("[TRADE SUCCESS]\nStatus: %s\nSymbol: %s\nAmount: %g\nSide: %s\nType: %s\nPrice: %g",
			o.Status, pair, qty, side, detailString(o.Detail, "Type"), o.Price))
	} else {
		e.log.Error("Failed to place order: %s", o.Error)
		e.notifier.Error(fmt.Sprintf("[TRADE ERROR]\n%s", o.Error))
	}
	return o
}

func (e *Executor) journalOutcome(tickID string, o *models.OrderOutcome) {
	if e.journal == nil {
		return
	}
	if err := e.journal.AddOrder(tickID, o); err != nil {
		e.log.Warn("Failed to journal order %s: %v", o.ID, err)
	}
}

func (e *Executor) checkPending(ctx context.Context) {
	p, err := e.placer.PendingCount(ctx)
	if err != nil {
		e.log.Error("Failed to check pending orders: %v", err)
		e.notifier.Error(fmt.Sprintf("Pending order check failed: %v", err))
		return
	}
	if p.ErrMsg == NoPendingMsg || (p.Success && p.TotalPending == 0) {
		e.log.Info("No pending orders")
		e.notifier.Info("No pending orders")
		return
	}
	e.log.Error("Pending orders found: %d", p.TotalPending)
	e.notifier.Warn(fmt.Sprintf("Pending orders found: %d", p.TotalPending))
}

func detailString(d map[string]any, key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}
