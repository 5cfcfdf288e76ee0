// Package audit keeps append-only metric tables that skip rows identical to the last one.
package audit

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/rewired-gh/quantpilot/internal/logger"
)

// IndexLayout formats the row index of every audit table.
const IndexLayout = "2006-01-02 15:04:05"

// Tolerances for numeric cell comparison.
const (
	RelTol = 1e-9
	AbsTol = 1e-12
)

// Row is one flattened audit row keyed by column name.
type Row = map[string]string

// Table is an audit backend holding one append-only table per family.
type Table interface {
	// Last returns the most recent row of a family, or false if it has none.
	Last(family string) (Row, bool, error)
	// Append adds rows under a shared index, widening the schema as needed.
	Append(family, index string, rows []Row) error
}

// Log records metric rows, skipping writes whose last row is unchanged.
type Log struct {
	table Table
	log   *logger.Logger
}

// New returns an audit log over table.
func New(table Table, log *logger.Logger) *Log {
	return &Log{table: table, log: log.With("audit")}
}

// Record appends row to the named table unless it matches the table's last row.
// It reports whether a row was written.
func (l *Log) Record(name string, row Row, ts time.Time) (bool, error) {
	return l.RecordBatch(name, []Row{row}, ts)
}

// RecordBatch appends rows sharing one index. Only the final row is compared
// against the stored last row.
func (l *Log) RecordBatch(name string, rows []Row, ts time.Time) (bool, error) {
	if len(rows) == 0 {
		return false, nil
	}
	last, ok, err := l.table.Last(name)
	if err != nil {
		return false, fmt.Errorf("failed to read last %s row: %w", name, err)
	}
	if ok && RowsEqual(last, rows[len(rows)-1]) {
		l.log.Debug("%s unchanged, skipping", name)
		return false, nil
	}
	if err := l.table.Append(name, ts.UTC().Format(IndexLayout), rows); err != nil {
		return false, fmt.Errorf("failed to append %s: %w", name, err)
	}
	return true, nil
}

// RowsEqual compares two rows over the union of their columns. Missing cells count as
// empty. Cells that both parse as numbers (empty parses as NaN) are compared with
// IsClose; other cells must match exactly.
func RowsEqual(prev, next Row) bool {
	for _, col := range unionColumns(prev, next) {
		a, b := prev[col], next[col]
		fa, okA := parseCell(a)
		fb, okB := parseCell(b)
		if okA && okB {
			if !IsClose(fa, fb) {
				return false
			}
			continue
		}
		if a != b {
			return false
		}
	}
	return true
}

// IsClose reports |a-b| <= AbsTol + RelTol*|b|, treating NaN as equal to NaN.
func IsClose(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	if a == b {
		return true
	}
	return math.Abs(a-b) <= AbsTol+RelTol*math.Abs(b)
}

func parseCell(s string) (float64, bool) {
	if s == "" {
		return math.NaN(), true
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func unionColumns(rows ...Row) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, r := range rows {
		for c := range r {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				cols = append(cols, c)
			}
		}
	}
	sort.Strings(cols)
	return cols
}
