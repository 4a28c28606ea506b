package dataextract

import (
	"bytes"
	"math/rand"
	"testing"

	"scoreprior/internal/dataset"
	"scoreprior/internal/measurement"
)

func TestBuildOperatorSpecs(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cases := []struct {
		spec    string
		wantOut int
		wantErr bool
	}{
		{spec: "identity", wantOut: 8},
		{spec: "", wantOut: 8},
		{spec: "half", wantOut: 4},
		{spec: "random:0.5"},
		{spec: "band:2"},
		{spec: "random:1.5", wantErr: true},
		{spec: "band:0", wantErr: true},
		{spec: "nonsense", wantErr: true},
	}
	for _, tc := range cases {
		op, err := BuildOperator(tc.spec, rng, 2, 4, 1)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("spec %q: expected error", tc.spec)
			}
			continue
		}
		if err != nil {
			t.Fatalf("spec %q: %v", tc.spec, err)
		}
		if op.InDim() != 8 {
			t.Fatalf("spec %q in dim: got %d want 8", tc.spec, op.InDim())
		}
		if tc.wantOut > 0 && op.OutDim() != tc.wantOut {
			t.Fatalf("spec %q out dim: got %d want %d", tc.spec, op.OutDim(), tc.wantOut)
		}
	}
}

func TestObserveAppliesOperatorAndNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	signals := &dataset.Signals{
		X:      [][]float64{{1, 2, 3, 4}, {5, 6, 7, 8}},
		Height: 2, Width: 2, Channels: 1,
	}

	obs, err := Observe(rng, signals, "half", 0)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if obs.Len() != 2 {
		t.Fatalf("pairs: got %d want 2", obs.Len())
	}
	if err := obs.Validate(4); err != nil {
		t.Fatalf("validate: %v", err)
	}
	// sigmaY=0 makes the measurement exact.
	want := [][]float64{{1, 2}, {5, 6}}
	for i := range want {
		for j := range want[i] {
			if obs.Y[i][j] != want[i][j] {
				t.Fatalf("y[%d][%d]: got %v want %v", i, j, obs.Y[i][j], want[i][j])
			}
		}
	}
}

func TestObservationsCSVRoundTrip(t *testing.T) {
	obs := &dataset.Observations{
		Y: [][]float64{{0.25, -1.5}, {3, 4, 5, 6}},
		Ops: []measurement.Operator{
			measurement.Mask{Dim: 4, Indices: []int{0, 3}},
			measurement.Identity{Dim: 4},
		},
	}

	var buf bytes.Buffer
	if err := WriteObservationsCSV(&buf, obs); err != nil {
		t.Fatalf("write observations: %v", err)
	}
	back, err := ReadObservationsCSV(&buf)
	if err != nil {
		t.Fatalf("read observations: %v", err)
	}
	if back.Len() != 2 {
		t.Fatalf("pairs: got %d want 2", back.Len())
	}
	if err := back.Validate(4); err != nil {
		t.Fatalf("validate: %v", err)
	}
	for i := range obs.Y {
		if len(back.Y[i]) != len(obs.Y[i]) {
			t.Fatalf("row %d width: got %d want %d", i, len(back.Y[i]), len(obs.Y[i]))
		}
		for j := range obs.Y[i] {
			if back.Y[i][j] != obs.Y[i][j] {
				t.Fatalf("y[%d][%d]: got %v want %v", i, j, back.Y[i][j], obs.Y[i][j])
			}
		}
	}
	mask, ok := back.Ops[0].(measurement.Mask)
	if !ok {
		t.Fatalf("expected mask operator, got %T", back.Ops[0])
	}
	if len(mask.Indices) != 2 || mask.Indices[0] != 0 || mask.Indices[1] != 3 {
		t.Fatalf("mask indices: got %v want [0 3]", mask.Indices)
	}
}

func TestSignalsCSVRoundTrip(t *testing.T) {
	signals := &dataset.Signals{
		X:      [][]float64{{0.5, 1.5, -2, 3}, {4, 5, 6, 7}},
		Height: 2, Width: 2, Channels: 1,
	}

	var buf bytes.Buffer
	if err := WriteSignalsCSV(&buf, signals); err != nil {
		t.Fatalf("write signals: %v", err)
	}
	back, err := ReadSignalsCSV(&buf, 2, 2, 1)
	if err != nil {
		t.Fatalf("read signals: %v", err)
	}
	if back.Len() != 2 {
		t.Fatalf("rows: got %d want 2", back.Len())
	}
	for i := range signals.X {
		for j := range signals.X[i] {
			if back.X[i][j] != signals.X[i][j] {
				t.Fatalf("x[%d][%d]: got %v want %v", i, j, back.X[i][j], signals.X[i][j])
			}
		}
	}
}

func TestReadSignalsCSVRejectsShapeMismatch(t *testing.T) {
	signals := &dataset.Signals{
		X:      [][]float64{{1, 2, 3, 4}},
		Height: 2, Width: 2, Channels: 1,
	}
	var buf bytes.Buffer
	if err := WriteSignalsCSV(&buf, signals); err != nil {
		t.Fatalf("write signals: %v", err)
	}
	if _, err := ReadSignalsCSV(&buf, 3, 2, 1); err == nil {
		t.Fatalf("expected shape mismatch error")
	}
}
