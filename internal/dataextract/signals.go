// Package dataextract moves signal and observation data across the CSV
// boundary and synthesizes test datasets for runs without real measurements.
package dataextract

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"scoreprior/internal/dataset"
)

// WriteSignalsCSV emits one row per signal, x0..x{d-1}, with a header.
func WriteSignalsCSV(out io.Writer, signals *dataset.Signals) error {
	if signals.Len() == 0 {
		return fmt.Errorf("dataextract: no signals to write")
	}
	dim := len(signals.X[0])

	writer := csv.NewWriter(out)
	header := make([]string, dim)
	for i := range header {
		header[i] = "x" + strconv.Itoa(i)
	}
	if err := writer.Write(header); err != nil {
		return err
	}
	for row, x := range signals.X {
		if len(x) != dim {
			return fmt.Errorf("dataextract: signal row %d has %d values, want %d", row+1, len(x), dim)
		}
		record := make([]string, dim)
		for i, v := range x {
			record[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadSignalsCSV parses rows of equal width into flat signals. The spatial
// shape comes from the run configuration and must multiply out to the row
// width.
func ReadSignalsCSV(in io.Reader, height, width, channels int) (*dataset.Signals, error) {
	dim := height * width * channels
	if dim < 1 {
		return nil, fmt.Errorf("dataextract: signal shape %dx%dx%d is invalid", height, width, channels)
	}

	reader := csv.NewReader(in)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("dataextract: signals csv is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read signals csv header: %w", err)
	}
	if len(header) != dim {
		return nil, fmt.Errorf("dataextract: signals csv has %d columns, shape needs %d", len(header), dim)
	}

	signals := &dataset.Signals{Height: height, Width: width, Channels: channels}
	rowIndex := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read signals csv row %d: %w", rowIndex, err)
		}
		if blankRecord(record) {
			continue
		}
		x := make([]float64, dim)
		for i, raw := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, fmt.Errorf("dataextract: row %d column %d: %w", rowIndex, i, err)
			}
			x[i] = v
		}
		signals.X = append(signals.X, x)
		rowIndex++
	}
	if signals.Len() == 0 {
		return nil, fmt.Errorf("dataextract: signals csv has no data rows")
	}
	return signals, nil
}

func blankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
