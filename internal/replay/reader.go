// Package replay reads historical market data and turns each row into order
// events for the background market participant.
package replay

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nathanyu/qtrader/internal/domain"
)

// ErrMalformedRow is returned for a row that cannot be parsed.
var ErrMalformedRow = errors.New("malformed market data row")

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"}

// Load reads every row of path for instrument. An empty instrument keeps
// all rows.
func Load(path, instrument string) ([]domain.MarketRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open market data: %w", err)
	}
	defer f.Close()

	r := NewReader(f, instrument)
	var rows []domain.MarketRow
	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		rows = append(rows, row)
	}
}

// Reader streams rows of timestamp,instrument,type,price,size. A header
// line is skipped.
type Reader struct {
	csv        *csv.Reader
	instrument string
	line       int
}

// NewReader wraps r.
func NewReader(r io.Reader, instrument string) *Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 5
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	return &Reader{csv: cr, instrument: instrument}
}

// Next returns the next row for the reader's instrument, or io.EOF.
func (r *Reader) Next() (domain.MarketRow, error) {
	for {
		rec, err := r.csv.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return domain.MarketRow{}, io.EOF
			}
			return domain.MarketRow{}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
		}
		r.line++
		if r.line == 1 && strings.EqualFold(rec[0], "timestamp") {
			continue
		}
		if r.instrument != "" && rec[1] != r.instrument {
			continue
		}
		return parseRow(rec, r.line)
	}
}

func parseRow(rec []string, line int) (domain.MarketRow, error) {
	ts, err := parseTime(rec[0])
	if err != nil {
		return domain.MarketRow{}, fmt.Errorf("line %d: timestamp %q: %w", line, rec[0], ErrMalformedRow)
	}

	typ := domain.RowType(strings.ToUpper(rec[2]))
	switch typ {
	case domain.RowBid, domain.RowAsk, domain.RowTrade:
	default:
		return domain.MarketRow{}, fmt.Errorf("line %d: type %q: %w", line, rec[2], ErrMalformedRow)
	}

	price, err := domain.ParsePrice(rec[3])
	if err != nil || price <= 0 {
		return domain.MarketRow{}, fmt.Errorf("line %d: price %q: %w", line, rec[3], ErrMalformedRow)
	}

	size, err := strconv.ParseFloat(rec[4], 64)
	if err != nil || size <= 0 {
		return domain.MarketRow{}, fmt.Errorf("line %d: size %q: %w", line, rec[4], ErrMalformedRow)
	}

	return domain.MarketRow{
		Timestamp:  ts,
		Instrument: rec[1],
		Type:       typ,
		Price:      price,
		Size:       int64(size),
	}, nil
}

func parseTime(s string) (time.Time, error) {
	var err error
	for _, layout := range timeLayouts {
		var ts time.Time
		if ts, err = time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, err
}
