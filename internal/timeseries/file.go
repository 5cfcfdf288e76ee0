package timeseries

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rewired-gh/quantpilot/internal/models"
)

// TimestampLayout is the ISO layout of the ts index column.
const TimestampLayout = "2006-01-02 15:04:05"

var seriesHeader = []string{"ts", "t", "value"}

// ReadSeriesFile reads a ts,t,value file and returns it sorted ascending by t.
func ReadSeriesFile(path string) (models.Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return models.Series{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	tCol, vCol := -1, -1
	for i, name := range header {
		switch name {
		case "t":
			tCol = i
		case "value":
			vCol = i
		}
	}
	if tCol < 0 || vCol < 0 {
		return nil, fmt.Errorf("series file %s missing t/value columns", path)
	}

	var s models.Series
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		t, err := parseEpoch(rec[tCol])
		if err != nil {
			return nil, fmt.Errorf("invalid t %q: %w", rec[tCol], err)
		}
		v, err := strconv.ParseFloat(rec[vCol], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", rec[vCol], err)
		}
		s = append(s, models.SeriesPoint{T: t, Value: v})
	}

	sort.SliceStable(s, func(i, j int) bool { return s[i].T < s[j].T })
	return s, nil
}

// parseEpoch accepts "1731110400" as well as "1731110400.0".
func parseEpoch(v string) (int64, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// WriteSeriesFile rewrites path with s through a temporary file and rename.
func WriteSeriesFile(path string, s models.Series) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	w := csv.NewWriter(tmp)
	if err := w.Write(seriesHeader); err != nil {
		tmp.Close()
		return err
	}
	for _, p := range s {
		row := []string{
			time.Unix(p.T, 0).UTC().Format(TimestampLayout),
			strconv.FormatInt(p.T, 10),
			strconv.FormatFloat(p.Value, 'g', -1, 64),
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush series: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
