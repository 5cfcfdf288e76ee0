package audit

import (
	"time"

	"github.com/rewired-gh/quantpilot/internal/models"
)

// Table families written every tick.
const (
	FamilySignals           = "signals"
	FamilyTargetsByStrategy = "target_amount_by_strat"
	FamilyTargetsBySymbol   = "target_amount_by_symbol"
	FamilyLeverage          = "leverage"
	FamilyCurrentPositions  = "current_positions"
	FamilyCurrentBalance    = "current_balance"
	FamilyDeltas            = "delta_amounts"
	FamilySuccessTrades     = "success_trades"
	FamilyErrorTrades       = "error_trades"
)

func (l *Log) Signals(s models.Signals, ts time.Time) (bool, error) {
	return l.Record(FamilySignals, FlattenKeyed(s), ts)
}

func (l *Log) TargetsByStrategy(a models.StrategyAmounts, ts time.Time) (bool, error) {
	return l.Record(FamilyTargetsByStrategy, FlattenKeyed(a), ts)
}

func (l *Log) TargetsBySymbol(a models.Amounts, ts time.Time) (bool, error) {
	return l.Record(FamilyTargetsBySymbol, FlattenAmounts(a), ts)
}

// Leverage records both leverage figures. deleveraged is the capped target mapping
// when a cap applied and the unscaled reference leverage otherwise; both shapes
// are stored as given.
func (l *Log) Leverage(realLev, ref float64, deleveraged any, ts time.Time) (bool, error) {
	return l.Record(FamilyLeverage, FlattenRecord(map[string]any{
		"leverage_real": realLev,
		"leverage_ref":  ref,
		"deleveraged":   deleveraged,
	}), ts)
}

func (l *Log) CurrentPositions(a models.Amounts, ts time.Time) (bool, error) {
	return l.Record(FamilyCurrentPositions, FlattenAmounts(a), ts)
}

// CurrentBalance records per-coin USD values plus their total.
func (l *Log) CurrentBalance(usd models.Amounts, ts time.Time) (bool, error) {
	row := FlattenAmounts(usd)
	var total float64
	for _, v := range usd {
		total += v
	}
	row["total"] = FormatFloat(total)
	return l.Record(FamilyCurrentBalance, row, ts)
}

func (l *Log) Deltas(a models.Amounts, ts time.Time) (bool, error) {
	return l.Record(FamilyDeltas, FlattenAmounts(a), ts)
}

// Trades splits outcomes into the success and error families. Empty groups write nothing.
func (l *Log) Trades(outcomes []models.OrderOutcome, ts time.Time) error {
	var ok, failed []Row
	for _, o := range outcomes {
		if o.Succeeded() {
			ok = append(ok, TradeRow(o))
		} else {
			failed = append(failed, TradeRow(o))
		}
	}
	if _, err := l.RecordBatch(FamilySuccessTrades, ok, ts); err != nil {
		return err
	}
	_, err := l.RecordBatch(FamilyErrorTrades, failed, ts)
	return err
}

// TradeRow flattens an order outcome; the raw exchange detail lands under "detail_".
func TradeRow(o models.OrderOutcome) Row {
	rec := map[string]any{
		"id":           o.ID,
		"symbol":       o.Symbol,
		"pair":         o.Pair,
		"side":         o.Side,
		"amount":       o.Amount,
		"price":        o.Price,
		"status":       o.Status,
		"order_id":     o.OrderID,
		"submitted_at": o.SubmittedAt,
	}
	if o.Error != "" {
		rec["error"] = o.Error
	}
	if o.Detail != nil {
		rec["detail"] = o.Detail
	}
	return FlattenRecord(rec)
}
