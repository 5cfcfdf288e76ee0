package datafeed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/models"
	"github.com/rewired-gh/quantpilot/internal/notify"
)

// ErrStaleFallback means live prices failed and the saved snapshot is missing or too old.
var ErrStaleFallback = errors.New("price fallback unavailable")

// DefaultFallbackAge is how old a saved snapshot may be and still be used.
const DefaultFallbackAge = 30 * time.Minute

// LastPricer fetches one live price.
type LastPricer interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// PriceBook takes one live-price snapshot per tick and keeps the last good one on disk.
type PriceBook struct {
	source   LastPricer
	path     string
	maxAge   time.Duration
	notifier *notify.Best
	log      *logger.Logger
	now      func() time.Time
}

// NewPriceBook saves snapshots to path.
func NewPriceBook(source LastPricer, path string, maxAge time.Duration, n notify.Notifier, log *logger.Logger) *PriceBook {
	if maxAge <= 0 {
		maxAge = DefaultFallbackAge
	}
	return &PriceBook{
		source:   source,
		path:     path,
		maxAge:   maxAge,
		notifier: notify.NewBest(n, log),
		log:      log.With("prices"),
		now:      time.Now,
	}
}

// SetClock overrides the wall clock.
func (p *PriceBook) SetClock(now func() time.Time) { p.now = now }

// Snapshot fetches every symbol's price in order. The first failure abandons the
// live snapshot and falls back to the saved one.
func (p *PriceBook) Snapshot(ctx context.Context, symbols []string) (models.Amounts, error) {
	prices := make(models.Amounts, len(symbols))
	var fetchErr error
	p.log.Info("Fetching last prices for %d symbols", len(symbols))
	for _, s := range symbols {
		price, err := p.source.LastPrice(ctx, s)
		if err != nil {
			fetchErr = fmt.Errorf("failed to fetch price for %s: %w", s, err)
			break
		}
		prices[s] = price
	}
	if fetchErr == nil {
		if err := p.save(symbols, prices); err != nil {
			p.log.Warn("Failed to save last prices: %v", err)
		}
		return prices, nil
	}
	if errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, context.DeadlineExceeded) {
		return nil, fetchErr
	}

	p.log.Error("%v", fetchErr)
	p.log.Warn("Price fetch failed, attempting CSV fallback")
	p.notifier.Warn("Price fetch failed, using CSV fallback")

	fallback, age, err := p.load()
	if err != nil {
		p.notifier.Error(err.Error())
		return nil, err
	}
	p.log.Warn("Using fallback prices (age: %.1f minutes)", age.Minutes())
	p.notifier.Info(fmt.Sprintf("Using fallback prices (age: %.1f min)", age.Minutes()))
	return fallback, nil
}

func (p *PriceBook) save(symbols []string, prices models.Amounts) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), filepath.Base(p.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	now := strconv.FormatInt(p.now().Unix(), 10)
	w := csv.NewWriter(tmp)
	_ = w.Write([]string{"symbol", "price", "timestamp"})
	for _, s := range symbols {
		_ = w.Write([]string{s, strconv.FormatFloat(prices[s], 'g', -1, 64), now})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return err
	}
	p.log.Info("Saved %d prices to %s", len(prices), p.path)
	return nil
}

func (p *PriceBook) load() (models.Amounts, time.Duration, error) {
	f, err := os.Open(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, fmt.Errorf("%w: file does not exist", ErrStaleFallback)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStaleFallback, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStaleFallback, err)
	}
	if len(records) < 2 {
		return nil, 0, fmt.Errorf("%w: file is empty", ErrStaleFallback)
	}
	col := make(map[string]int)
	for i, h := range records[0] {
		col[h] = i
	}
	for _, name := range []string{"symbol", "price", "timestamp"} {
		if _, ok := col[name]; !ok {
			return nil, 0, fmt.Errorf("%w: missing column %q", ErrStaleFallback, name)
		}
	}

	saved, err := strconv.ParseInt(records[1][col["timestamp"]], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: bad timestamp: %v", ErrStaleFallback, err)
	}
	age := p.now().Sub(time.Unix(saved, 0))
	if age > p.maxAge {
		return nil, age, fmt.Errorf("%w: data too old: %.1f minutes (max %.0f minutes)",
			ErrStaleFallback, age.Minutes(), p.maxAge.Minutes())
	}

	prices := make(models.Amounts, len(records)-1)
	for _, rec := range records[1:] {
		v, err := strconv.ParseFloat(rec[col["price"]], 64)
		if err != nil {
			return nil, age, fmt.Errorf("%w: bad price for %s: %v", ErrStaleFallback, rec[col["symbol"]], err)
		}
		prices[rec[col["symbol"]]] = v
	}
	return prices, age, nil
}
