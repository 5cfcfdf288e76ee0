package strategy

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/models"
	"github.com/rewired-gh/quantpilot/internal/notify"
	"github.com/rewired-gh/quantpilot/internal/timeseries"
)

// Aggregator computes one signal per strategy instance and keeps its history on disk.
type Aggregator struct {
	dir      string
	notifier *notify.Best
	log      *logger.Logger
}

// NewAggregator writes per-strategy signal files under dir.
func NewAggregator(dir string, n notify.Notifier, log *logger.Logger) *Aggregator {
	return &Aggregator{
		dir:      dir,
		notifier: notify.NewBest(n, log),
		log:      log.With("signals"),
	}
}

// HistoryPath returns the signal history file of a strategy.
func (a *Aggregator) HistoryPath(cfg models.StrategyConfig) string {
	return filepath.Join(a.dir, cfg.Label()+".csv")
}

// ComputeSignal returns the unweighted mean of every parameter set's latest signal.
func (a *Aggregator) ComputeSignal(ctx context.Context, s *Strategy) (float64, error) {
	cfg := s.Config
	series, err := s.FetchAlpha(ctx)
	if err != nil {
		return 0, err
	}
	if len(series) == 0 {
		return 0, fmt.Errorf("%w: %s %s %s", ErrEmptySeries, s.Indicator(), cfg.Symbol, cfg.Timeframe)
	}

	columns := make([][]float64, 0, len(cfg.ParamSets))
	labels := make([]string, 0, len(cfg.ParamSets))
	seen := make(map[string]int)
	var sum float64
	var n int
	for _, p := range cfg.ParamSets {
		col, err := s.ComputeModelSignal(series, p.Params, p.Model)
		if err != nil {
			return 0, err
		}
		last := col[len(col)-1]
		a.log.Info("%03d %s %s %s Signal: %g", cfg.ID, cfg.Symbol, cfg.Timeframe, p.Label(), last)
		if !math.IsNaN(last) {
			sum += last
			n++
		}
		columns = append(columns, col)
		labels = append(labels, uniqueLabel(seen, p.Label()))
	}

	signal := 0.0
	if n > 0 {
		signal = sum / float64(n)
	}
	a.log.Info("%03d %s %s Signal(agg): %g", cfg.ID, cfg.Symbol, cfg.Timeframe, signal)

	path := a.HistoryPath(cfg)
	prevLast, err := lastIndex(path)
	if err != nil {
		a.log.Warn("Failed to read signal history %s: %v", path, err)
	}
	lastTS := series[len(series)-1].Time().Format(timeseries.TimestampLayout)
	if lastTS != prevLast {
		a.notifier.Info(fmt.Sprintf("SIGNAL UPDATED\n%s\nLast timestamp: %s\nLast signal: %g", cfg.Label(), lastTS, signal))
	}
	if err := writeHistory(path, series, labels, columns); err != nil {
		a.log.Warn("Failed to write signal history %s: %v", path, err)
	}
	return signal, nil
}

// ComputeAll computes every instance's signal. Model and config failures are isolated:
// logged, notified and left out of the result. Cache misses and unsupported timeframes
// abort and are returned.
func (a *Aggregator) ComputeAll(ctx context.Context, strategies []*Strategy) (models.Signals, error) {
	signals := make(models.Signals, len(strategies))
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sig, err := a.ComputeSignal(ctx, s)
		if err != nil {
			if isHard(err) {
				return nil, fmt.Errorf("failed to compute signal for %s: %w", s.Config.Label(), err)
			}
			a.log.Error("Skipping %s this tick: %v", s.Config.Label(), err)
			a.notifier.Error(fmt.Sprintf("Strategy %s skipped: %v", s.Config.Label(), err))
			continue
		}
		signals[s.Key()] = sig
	}
	return signals, nil
}

func isHard(err error) bool {
	return errors.Is(err, timeseries.ErrCacheMiss) ||
		errors.Is(err, timeseries.ErrUnsupportedTimeframe) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func uniqueLabel(seen map[string]int, label string) string {
	seen[label]++
	if n := seen[label]; n > 1 {
		return fmt.Sprintf("%s#%d", label, n)
	}
	return label
}

// lastIndex returns the first column of the file's last row, "" when absent.
func lastIndex(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var last string
	for line := 0; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if line > 0 && len(rec) > 0 {
			last = rec[0]
		}
	}
	return last, nil
}

func writeHistory(path string, series models.Series, labels []string, columns [][]float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	w := csv.NewWriter(tmp)
	header := append([]string{"ts"}, labels...)
	header = append(header, "signal")
	if err := w.Write(header); err != nil {
		tmp.Close()
		return err
	}
	row := make([]string, len(header))
	for i, p := range series {
		row[0] = p.Time().Format(timeseries.TimestampLayout)
		var sum float64
		var n int
		for j, col := range columns {
			row[j+1] = formatCell(col[i])
			if !math.IsNaN(col[i]) {
				sum += col[i]
				n++
			}
		}
		mean := math.NaN()
		if n > 0 {
			mean = sum / float64(n)
		}
		row[len(row)-1] = formatCell(mean)
		if err := w.Write(row); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func formatCell(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
