// Package dataset holds the in-memory batch sources the training pipeline
// consumes: (observation, operator) pairs before generation, clean-signal
// batches after.
package dataset

import (
	"fmt"
	"math/rand"

	"scoreprior/internal/measurement"
)

// Observations is a batchable source of (y, A) pairs.
type Observations struct {
	Y   [][]float64
	Ops []measurement.Operator
}

func (o *Observations) Len() int { return len(o.Y) }

// Validate checks every pair against the signal dimension.
func (o *Observations) Validate(signalDim int) error {
	if len(o.Y) != len(o.Ops) {
		return fmt.Errorf("dataset: %d observations but %d operators", len(o.Y), len(o.Ops))
	}
	for i := range o.Y {
		if err := measurement.Check(o.Ops[i], signalDim, len(o.Y[i])); err != nil {
			return fmt.Errorf("dataset: pair %d: %w", i, err)
		}
	}
	return nil
}

// Head returns the first n pairs (or fewer).
func (o *Observations) Head(n int) *Observations {
	if n > len(o.Y) {
		n = len(o.Y)
	}
	return &Observations{Y: o.Y[:n], Ops: o.Ops[:n]}
}

// Signals is a batchable source of clean signals with a known spatial form.
type Signals struct {
	X                       [][]float64
	Height, Width, Channels int
}

func (s *Signals) Len() int { return len(s.X) }

// Mean returns the per-coordinate mean over all signals.
func (s *Signals) Mean() []float64 {
	dim := s.Height * s.Width * s.Channels
	mu := make([]float64, dim)
	if len(s.X) == 0 {
		return mu
	}
	for _, x := range s.X {
		for j, v := range x {
			mu[j] += v
		}
	}
	for j := range mu {
		mu[j] /= float64(len(s.X))
	}
	return mu
}

// Batches returns shuffled index batches of the given size, dropping the
// last partial batch.
func (s *Signals) Batches(rng *rand.Rand, size int) [][]int {
	idx := rng.Perm(len(s.X))
	var out [][]int
	for start := 0; start+size <= len(idx); start += size {
		out = append(out, idx[start:start+size])
	}
	return out
}

// Gather copies the indexed signals, optionally applying a random
// horizontal flip to each.
func (s *Signals) Gather(rng *rand.Rand, idx []int, augment bool) [][]float64 {
	out := make([][]float64, len(idx))
	for i, j := range idx {
		x := append([]float64(nil), s.X[j]...)
		if augment && rng.Float64() < 0.5 {
			x = flipWidth(x, s.Height, s.Width, s.Channels)
		}
		out[i] = x
	}
	return out
}

func flipWidth(x []float64, h, w, c int) []float64 {
	for i := 0; i < h; i++ {
		for j := 0; j < w/2; j++ {
			a := (i*w + j) * c
			b := (i*w + (w - 1 - j)) * c
			for k := 0; k < c; k++ {
				x[a+k], x[b+k] = x[b+k], x[a+k]
			}
		}
	}
	return x
}
