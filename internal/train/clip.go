package train

import "math"

// ClipGlobalNorm rescales the gradient tree in place so its global L2 norm
// does not exceed max. Values are rescaled, never dropped. It returns the
// pre-clip norm and whether clipping fired.
func ClipGlobalNorm(grads [][]float64, max float64) (float64, bool) {
	var sq float64
	for _, g := range grads {
		for _, v := range g {
			sq += v * v
		}
	}
	norm := math.Sqrt(sq)
	if max <= 0 || norm <= max {
		return norm, false
	}
	scale := max / norm
	for _, g := range grads {
		for i := range g {
			g[i] *= scale
		}
	}
	return norm, true
}
