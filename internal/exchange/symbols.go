package exchange

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/models"
)

// AnchorSource supplies the fixed reference close used for reference leverage.
type AnchorSource interface {
	AnchorClose(ctx context.Context, symbol string, since time.Time) (float64, error)
}

// BuildSymbolInfos keeps the pairs whose coin is in coins and attaches each
// coin's anchor close at since. Coins the exchange does not list are logged.
func BuildSymbolInfos(ctx context.Context, info *ExchangeInfo, coins []string, anchors AnchorSource, since time.Time, log *logger.Logger) (map[string]models.SymbolInfo, error) {
	wanted := make(map[string]bool, len(coins))
	for _, c := range coins {
		wanted[c] = true
	}

	pairs := make([]string, 0, len(info.TradePairs))
	for p := range info.TradePairs {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)

	out := make(map[string]models.SymbolInfo, len(coins))
	for _, p := range pairs {
		tp := info.TradePairs[p]
		if !wanted[tp.Coin] {
			continue
		}
		if _, dup := out[tp.Coin]; dup {
			log.Warn("Coin %s listed twice, keeping first pair", tp.Coin)
			continue
		}
		anchor, err := anchors.AnchorClose(ctx, tp.Coin+"/"+tp.Unit, since)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch anchor close for %s: %w", tp.Coin, err)
		}
		si := models.SymbolInfo{
			Coin:            tp.Coin,
			CoinFullName:    tp.CoinFullName,
			Unit:            tp.Unit,
			UnitFullName:    tp.UnitFullName,
			Tradable:        tp.CanTrade,
			PricePrecision:  tp.PricePrecision,
			AmountPrecision: tp.AmountPrecision,
			MinOrder:        tp.MiniOrder,
			AnchorPrice:     anchor,
		}
		if err := si.Validate(); err != nil {
			return nil, fmt.Errorf("invalid symbol info: %w", err)
		}
		out[tp.Coin] = si
	}

	for _, c := range coins {
		if _, ok := out[c]; !ok {
			log.Warn("Coin %s is not listed on the exchange", c)
		}
	}
	return out, nil
}
