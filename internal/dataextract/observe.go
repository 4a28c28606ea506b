package dataextract

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"

	"scoreprior/internal/dataset"
	"scoreprior/internal/measurement"
)

// OperatorSpec names a measurement operator family. The band form carries
// an acceleration factor, the random form a keep fraction.
//
//	identity | half | random:<keep> | band:<r>
func BuildOperator(spec string, rng *rand.Rand, height, width, channels int) (measurement.Operator, error) {
	dim := height * width * channels
	name, arg, _ := strings.Cut(strings.TrimSpace(strings.ToLower(spec)), ":")
	switch name {
	case "", "identity":
		return measurement.Identity{Dim: dim}, nil
	case "half":
		return measurement.FirstHalf(dim), nil
	case "random":
		keep := 0.5
		if arg != "" {
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("dataextract: random mask keep fraction %q: %w", arg, err)
			}
			keep = v
		}
		if keep <= 0 || keep > 1 {
			return nil, fmt.Errorf("dataextract: random mask keep fraction %g out of (0,1]", keep)
		}
		return measurement.Random(rng, dim, keep), nil
	case "band":
		r := 4
		if arg != "" {
			v, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("dataextract: band acceleration %q: %w", arg, err)
			}
			r = v
		}
		if r < 1 {
			return nil, fmt.Errorf("dataextract: band acceleration %d must be positive", r)
		}
		return measurement.HorizontalBand(rng, height, width, channels, r), nil
	default:
		return nil, fmt.Errorf("dataextract: unknown operator spec %q", spec)
	}
}

// Observe measures every signal through a freshly drawn operator of the
// given family and adds sigmaY white noise. Each pair gets its own operator
// so subsampled masks vary across the dataset.
func Observe(rng *rand.Rand, signals *dataset.Signals, spec string, sigmaY float64) (*dataset.Observations, error) {
	obs := &dataset.Observations{}
	for _, x := range signals.X {
		op, err := BuildOperator(spec, rng, signals.Height, signals.Width, signals.Channels)
		if err != nil {
			return nil, err
		}
		y := op.Apply(x)
		for i := range y {
			y[i] += sigmaY * rng.NormFloat64()
		}
		obs.Y = append(obs.Y, y)
		obs.Ops = append(obs.Ops, op)
	}
	return obs, nil
}

// WriteObservationsCSV emits one row per pair: the operator spec, the kept
// indices, then the measured values. Rows are ragged because operators
// differ in output width.
func WriteObservationsCSV(out io.Writer, obs *dataset.Observations) error {
	writer := csv.NewWriter(out)
	for row, y := range obs.Y {
		var mask measurement.Mask
		switch op := obs.Ops[row].(type) {
		case measurement.Mask:
			mask = op
		case measurement.Identity:
			indices := make([]int, op.Dim)
			for i := range indices {
				indices[i] = i
			}
			mask = measurement.Mask{Dim: op.Dim, Indices: indices}
		default:
			return fmt.Errorf("dataextract: pair %d: only mask operators round-trip through csv", row+1)
		}
		record := make([]string, 0, 2+2*len(y))
		record = append(record, strconv.Itoa(mask.Dim))
		for _, idx := range mask.Indices {
			record = append(record, strconv.Itoa(idx))
		}
		record = append(record, "|")
		for _, v := range y {
			record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadObservationsCSV parses the ragged rows WriteObservationsCSV emits.
func ReadObservationsCSV(in io.Reader) (*dataset.Observations, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	obs := &dataset.Observations{}
	rowIndex := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read observations csv row %d: %w", rowIndex, err)
		}
		if blankRecord(record) {
			continue
		}
		sep := -1
		for i, field := range record {
			if strings.TrimSpace(field) == "|" {
				sep = i
				break
			}
		}
		if sep < 1 {
			return nil, fmt.Errorf("dataextract: row %d has no index/value separator", rowIndex)
		}
		dim, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			return nil, fmt.Errorf("dataextract: row %d signal dim: %w", rowIndex, err)
		}
		indices := make([]int, 0, sep-1)
		for _, field := range record[1:sep] {
			idx, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil {
				return nil, fmt.Errorf("dataextract: row %d mask index %q: %w", rowIndex, field, err)
			}
			if idx < 0 || idx >= dim {
				return nil, fmt.Errorf("dataextract: row %d mask index %d out of [0,%d)", rowIndex, idx, dim)
			}
			indices = append(indices, idx)
		}
		values := record[sep+1:]
		if len(values) != len(indices) {
			return nil, fmt.Errorf("dataextract: row %d has %d values for %d kept indices", rowIndex, len(values), len(indices))
		}
		y := make([]float64, len(values))
		for i, raw := range values {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, fmt.Errorf("dataextract: row %d value %d: %w", rowIndex, i, err)
			}
			y[i] = v
		}
		obs.Y = append(obs.Y, y)
		obs.Ops = append(obs.Ops, measurement.Mask{Dim: dim, Indices: indices})
		rowIndex++
	}
	if obs.Len() == 0 {
		return nil, fmt.Errorf("dataextract: observations csv has no data rows")
	}
	return obs, nil
}
