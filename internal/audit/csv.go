package audit

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// CSVTable stores each family as <dir>/<family>.csv with the row index in the
// first column.
type CSVTable struct {
	dir string
}

// NewCSVTable creates dir if needed.
func NewCSVTable(dir string) (*CSVTable, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return &CSVTable{dir: dir}, nil
}

// Path returns the file backing a family.
func (t *CSVTable) Path(family string) string {
	return filepath.Join(t.dir, family+".csv")
}

func (t *CSVTable) Last(family string) (Row, bool, error) {
	header, records, err := t.read(family)
	if err != nil || len(records) == 0 {
		return nil, false, err
	}
	last := records[len(records)-1]
	row := make(Row, len(header)-1)
	for i := 1; i < len(header); i++ {
		if i < len(last) {
			row[header[i]] = last[i]
		} else {
			row[header[i]] = ""
		}
	}
	return row, true, nil
}

// Append rewrites the whole file so earlier rows gain any new columns.
func (t *CSVTable) Append(family, index string, rows []Row) error {
	header, records, err := t.read(family)
	if err != nil {
		return err
	}
	if header == nil {
		header = []string{""}
	}
	known := make(map[string]struct{}, len(header))
	for _, h := range header[1:] {
		known[h] = struct{}{}
	}
	var added []string
	for _, c := range unionColumns(rows...) {
		if _, ok := known[c]; !ok {
			added = append(added, c)
		}
	}
	sort.Strings(added)
	header = append(header, added...)

	for _, r := range rows {
		rec := make([]string, len(header))
		rec[0] = index
		for i, col := range header[1:] {
			rec[i+1] = r[col]
		}
		records = append(records, rec)
	}
	return t.write(family, header, records)
}

func (t *CSVTable) read(family string) ([]string, [][]string, error) {
	f, err := os.Open(t.Path(family))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", family, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s header: %w", family, err)
	}
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", family, err)
	}
	return header, records, nil
}

func (t *CSVTable) write(family string, header []string, records [][]string) error {
	path := t.Path(family)
	tmp, err := os.CreateTemp(t.dir, family+".csv.tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return err
	}
	for _, rec := range records {
		for len(rec) < len(header) {
			rec = append(rec, "")
		}
		if err := w.Write(rec); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", family, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
