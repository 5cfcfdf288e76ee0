package timeseries

import (
	"fmt"
	"time"

	"github.com/rewired-gh/quantpilot/internal/models"
)

var timeframeSeconds = map[string]int64{
	"1d":  86400,
	"24h": 86400,
	"12h": 43200,
	"8h":  28800,
	"6h":  21600,
	"4h":  14400,
	"2h":  7200,
	"1h":  3600,
	"30m": 1800,
	"15m": 900,
	"10m": 600,
	"5m":  300,
	"3m":  180,
	"1m":  60,
}

// TimeframeDuration resolves a timeframe label to its bar duration.
func TimeframeDuration(timeframe string) (time.Duration, error) {
	sec, ok := timeframeSeconds[timeframe]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedTimeframe, timeframe)
	}
	return time.Duration(sec) * time.Second, nil
}

// IsLatest reports whether the series' last point is younger than two bars.
// An empty series is never latest.
func IsLatest(s models.Series, bar time.Duration, now time.Time) bool {
	last, ok := s.Last()
	if !ok {
		return false
	}
	return now.Sub(last.Time()) < 2*bar
}

// IsBarClosed reports whether a full bar has elapsed since the point's open time.
func IsBarClosed(p models.SeriesPoint, bar time.Duration, now time.Time) bool {
	return now.Sub(p.Time()) >= bar
}
