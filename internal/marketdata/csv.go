package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadCSV reads a date-indexed price table: first column is the date
// (2006-01-02), remaining columns are per-asset close prices. Blank cells are
// forward-filled from the previous row, matching how fetched series are
// aligned.
func LoadCSV(path string) (*PriceTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open price csv: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses the same format from any reader.
func ReadCSV(r io.Reader) (*PriceTable, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("csv needs a date column and at least one asset column")
	}

	symbols := make([]string, len(header)-1)
	for i, h := range header[1:] {
		symbols[i] = strings.ToUpper(strings.TrimSpace(h))
		if symbols[i] == "" {
			return nil, fmt.Errorf("empty asset name in csv column %d", i+2)
		}
	}

	table := &PriceTable{Symbols: symbols, Prices: make([][]float64, len(symbols))}
	last := make([]float64, len(symbols))
	filled := make([]bool, len(symbols))

	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		if len(record) != len(header) {
			return nil, fmt.Errorf("csv line %d: %d fields, expected %d", line, len(record), len(header))
		}

		date, err := time.Parse("2006-01-02", strings.TrimSpace(record[0]))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: bad date %q: %w", line, record[0], err)
		}
		table.Dates = append(table.Dates, date)

		for i, cell := range record[1:] {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				if !filled[i] {
					return nil, fmt.Errorf("csv line %d: %s has no prior price to forward-fill", line, symbols[i])
				}
			} else {
				price, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, fmt.Errorf("csv line %d: bad price %q for %s: %w", line, cell, symbols[i], err)
				}
				if price <= 0 {
					return nil, fmt.Errorf("csv line %d: non-positive price %v for %s", line, price, symbols[i])
				}
				last[i] = price
				filled[i] = true
			}
			table.Prices[i] = append(table.Prices[i], last[i])
		}
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}
