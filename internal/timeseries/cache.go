// Package timeseries keeps per-(indicator, symbol, timeframe) series files on disk and
// refreshes them incrementally from a remote fetcher.
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/models"
	"github.com/rewired-gh/quantpilot/internal/notify"
)

var (
	ErrCacheMiss            = errors.New("no cached series")
	ErrUnsupportedTimeframe = errors.New("unsupported timeframe")
)

// DefaultLookback is how far back a refresh fetches.
const DefaultLookback = 30 * 24 * time.Hour

// Fetcher returns points newer than sinceMillis. Any order is accepted.
type Fetcher interface {
	FetchSeries(ctx context.Context, kind models.IndicatorKind, symbol, timeframe string, sinceMillis int64) (models.Series, error)
}

// Cache loads and refreshes cached indicator series.
type Cache struct {
	dir      string
	fetcher  Fetcher
	notifier *notify.Best
	log      *logger.Logger
	lookback time.Duration
	now      func() time.Time
}

// New creates a cache rooted at dir.
func New(dir string, fetcher Fetcher, n notify.Notifier, log *logger.Logger) *Cache {
	return &Cache{
		dir:      dir,
		fetcher:  fetcher,
		notifier: notify.NewBest(n, log),
		log:      log.With("timeseries"),
		lookback: DefaultLookback,
		now:      time.Now,
	}
}

// SetClock overrides the wall clock.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Path returns the file backing one series.
func (c *Cache) Path(kind models.IndicatorKind, symbol, timeframe string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_%s_%s.csv", kind, models.BaseSymbol(symbol), timeframe))
}

// Load returns the cached series, refreshing it first when stale. A non-empty alertTitle
// sends an update notification after a successful merge.
func (c *Cache) Load(ctx context.Context, kind models.IndicatorKind, symbol, timeframe, alertTitle string) (models.Series, error) {
	path := c.Path(kind, symbol, timeframe)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrCacheMiss, path)
	}

	cached, err := ReadSeriesFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if span, ok := firstLast(cached); ok {
		c.log.Info("%d rows of %s %s %s from %s to %s loaded from %s",
			len(cached), kind, symbol, timeframe, span[0], span[1], path)
	}

	bar, err := TimeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if IsLatest(cached, bar, now) {
		c.log.Debug("Data is latest, returning cached %s %s %s", kind, symbol, timeframe)
		return cached, nil
	}

	since := now.Add(-c.lookback).UnixMilli()
	c.log.Info("Fetching %s data for %s %s since %s", kind, symbol, timeframe,
		time.UnixMilli(since).UTC().Format(TimestampLayout))
	fetched, err := c.fetcher.FetchSeries(ctx, kind, symbol, timeframe, since)
	if err != nil {
		c.log.Error("Remote %s fetch for %s %s failed: %v", kind, symbol, timeframe, err)
		c.notifier.Error(fmt.Sprintf("Remote %s fetch error for %s %s: %v", kind, symbol, timeframe, err))
		return cached, nil
	}
	if len(fetched) == 0 {
		c.log.Warn("Remote %s fetch for %s %s returned no rows", kind, symbol, timeframe)
		return cached, nil
	}

	fetched = sortedCopy(fetched)
	if last, _ := fetched.Last(); !IsBarClosed(last, bar, now) {
		c.log.Info("Last bar is not closed, removing last bar (%s)", last.Time().Format(TimestampLayout))
		fetched = fetched[:len(fetched)-1]
		if len(fetched) == 0 {
			return cached, nil
		}
	}

	merged := Merge(cached, fetched)
	if err := WriteSeriesFile(path, merged); err != nil {
		return nil, fmt.Errorf("failed to persist %s: %w", path, err)
	}
	c.log.Info("Saved %d rows of data to %s", len(merged), path)

	if alertTitle != "" {
		last, _ := merged.Last()
		c.notifier.Info(fmt.Sprintf("%s\n%s %s\nLast timestamp: %s\nLast value: %g",
			alertTitle, symbol, timeframe, last.Time().Format(TimestampLayout), last.Value))
	}
	return merged, nil
}

// Merge concatenates cached and fetched, orders by timestamp, and keeps the fetched value
// when both contain the same timestamp.
func Merge(cached, fetched models.Series) models.Series {
	all := make(models.Series, 0, len(cached)+len(fetched))
	all = append(all, cached...)
	all = append(all, fetched...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].T < all[j].T })

	out := make(models.Series, 0, len(all))
	for _, p := range all {
		if n := len(out); n > 0 && out[n-1].T == p.T {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out
}

func sortedCopy(s models.Series) models.Series {
	out := make(models.Series, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool { return out[i].T < out[j].T })
	return out
}

func firstLast(s models.Series) ([2]string, bool) {
	if len(s) == 0 {
		return [2]string{}, false
	}
	return [2]string{
		s[0].Time().Format(TimestampLayout),
		s[len(s)-1].Time().Format(TimestampLayout),
	}, true
}
