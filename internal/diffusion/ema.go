package diffusion

import "fmt"

// EMA maintains an exponentially-averaged shadow copy of the trainable
// parameters. Update is a pure function of its inputs; the shadow is read
// only at evaluation and checkpoint time, never for gradients.
type EMA struct {
	Decay float64
}

// Update returns decay·shadow + (1−decay)·params per matching leaf. Fresh
// slices are allocated so the previous shadow stays untouched.
func (e EMA) Update(shadow, params [][]float64) ([][]float64, error) {
	if e.Decay < 0 || e.Decay > 1 {
		return nil, fmt.Errorf("diffusion: ema decay must be in [0,1], got %g", e.Decay)
	}
	if len(shadow) != len(params) {
		return nil, fmt.Errorf("diffusion: ema tree size mismatch: shadow=%d params=%d", len(shadow), len(params))
	}
	out := make([][]float64, len(shadow))
	for i := range shadow {
		if len(shadow[i]) != len(params[i]) {
			return nil, fmt.Errorf("diffusion: ema leaf %d length mismatch: shadow=%d params=%d", i, len(shadow[i]), len(params[i]))
		}
		leaf := make([]float64, len(shadow[i]))
		for j := range leaf {
			leaf[j] = e.Decay*shadow[i][j] + (1-e.Decay)*params[i][j]
		}
		out[i] = leaf
	}
	return out, nil
}
