package dataset

import (
	"math"
	"math/rand"
	"testing"

	"scoreprior/internal/measurement"
)

func TestObservationsValidate(t *testing.T) {
	obs := &Observations{
		Y:   [][]float64{{1, 2}},
		Ops: []measurement.Operator{measurement.Mask{Dim: 4, Indices: []int{0, 1}}},
	}
	if err := obs.Validate(4); err != nil {
		t.Fatalf("valid observations rejected: %v", err)
	}
	if err := obs.Validate(5); err == nil {
		t.Fatalf("signal dim mismatch accepted")
	}
	obs.Ops = nil
	if err := obs.Validate(4); err == nil {
		t.Fatalf("pair count mismatch accepted")
	}
}

func TestObservationsHead(t *testing.T) {
	obs := &Observations{
		Y:   [][]float64{{1}, {2}, {3}},
		Ops: make([]measurement.Operator, 3),
	}
	if got := obs.Head(2).Len(); got != 2 {
		t.Fatalf("head(2) length = %d, want 2", got)
	}
	if got := obs.Head(10).Len(); got != 3 {
		t.Fatalf("head(10) length = %d, want 3", got)
	}
}

func TestSignalsMean(t *testing.T) {
	s := &Signals{
		X:      [][]float64{{1, 2, 3, 4}, {3, 4, 5, 6}},
		Height: 2, Width: 2, Channels: 1,
	}
	mu := s.Mean()
	want := []float64{2, 3, 4, 5}
	for i := range want {
		if math.Abs(mu[i]-want[i]) > 1e-12 {
			t.Fatalf("mean = %v, want %v", mu, want)
		}
	}
	empty := &Signals{Height: 2, Width: 2, Channels: 1}
	for i, v := range empty.Mean() {
		if v != 0 {
			t.Fatalf("empty mean[%d] = %g, want 0", i, v)
		}
	}
}

func TestBatchesDropPartialAndCoverOnce(t *testing.T) {
	s := &Signals{X: make([][]float64, 7), Height: 1, Width: 1, Channels: 1}
	rng := rand.New(rand.NewSource(9))
	batches := s.Batches(rng, 3)
	if len(batches) != 2 {
		t.Fatalf("batch count = %d, want 2 (partial dropped)", len(batches))
	}
	seen := map[int]bool{}
	for _, b := range batches {
		if len(b) != 3 {
			t.Fatalf("batch size = %d, want 3", len(b))
		}
		for _, i := range b {
			if seen[i] {
				t.Fatalf("index %d appears twice", i)
			}
			seen[i] = true
		}
	}
}

func TestGatherCopies(t *testing.T) {
	s := &Signals{
		X:      [][]float64{{1, 2, 3, 4}},
		Height: 2, Width: 2, Channels: 1,
	}
	rng := rand.New(rand.NewSource(1))
	got := s.Gather(rng, []int{0}, false)
	got[0][0] = 99
	if s.X[0][0] != 1 {
		t.Fatalf("gather aliases the source signal")
	}
}

func TestFlipWidthIsInvolution(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5, 6}
	orig := append([]float64(nil), x...)
	flipWidth(x, 1, 3, 2)
	// Channel pairs swap across the width axis.
	want := []float64{5, 6, 3, 4, 1, 2}
	for i := range want {
		if x[i] != want[i] {
			t.Fatalf("flipped = %v, want %v", x, want)
		}
	}
	flipWidth(x, 1, 3, 2)
	for i := range orig {
		if x[i] != orig[i] {
			t.Fatalf("double flip = %v, want original %v", x, orig)
		}
	}
}
