// Package qtable persists value tables: a tab-separated text file for
// hand inspection and resuming, a pebble checkpoint of values and visit
// counts, and an optional S3 archive of finished runs.
package qtable

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/nathanyu/qtrader/internal/policy"
	"github.com/nathanyu/qtrader/internal/state"
)

const stateColumn = "state"

// Write renders t as a tab-separated table: a header of action names, then
// one row per state in canonical order. Unset cells are left empty.
func Write(w io.Writer, t *policy.ValueTable) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	header := make([]string, 0, len(domain.AllActions)+1)
	header = append(header, stateColumn)
	for _, a := range domain.AllActions {
		header = append(header, a.String())
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	record := make([]string, len(header))
	for _, k := range t.States() {
		record[0] = k.String()
		for i, a := range domain.AllActions {
			record[i+1] = ""
			if v, ok := t.Lookup(k, a); ok {
				record[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write state %s: %w", k, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Read parses a table written by Write into a new value table. The stop
// actions are clamped to non-negative values after loading.
func Read(r io.Reader) (*policy.ValueTable, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("value table is empty: %w", domain.ErrInvalidConfiguration)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w: %w", domain.ErrInvalidConfiguration, err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("header has %d columns: %w", len(header), domain.ErrInvalidConfiguration)
	}
	columns := make([]domain.Action, len(header)-1)
	for i, name := range header[1:] {
		a, err := domain.ParseAction(name)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i+2, err)
		}
		columns[i] = a
	}

	t := policy.NewValueTable()
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w: %w", line, domain.ErrInvalidConfiguration, err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) != len(header) {
			return nil, fmt.Errorf("line %d: %d fields, want %d: %w", line, len(record), len(header), domain.ErrInvalidConfiguration)
		}
		k, err := state.ParseKey(record[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		for i, cell := range record[1:] {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w: %w", line, header[i+1], domain.ErrInvalidConfiguration, err)
			}
			t.Set(k, columns[i], v)
		}
	}
	t.ClampStops()
	return t, nil
}

// Save writes t to path, creating parent directories. The file is replaced
// atomically.
func Save(path string, t *policy.ValueTable) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create value table dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".qtable-*")
	if err != nil {
		return fmt.Errorf("create value table: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, t); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close value table: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the table at path.
func Load(path string) (*policy.ValueTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open value table: %w", err)
	}
	defer f.Close()

	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return t, nil
}
