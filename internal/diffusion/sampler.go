package diffusion

import (
	"fmt"
	"math"
	"math/rand"

	"scoreprior/internal/measurement"
)

// minSigmaY is the hard lower bound on the observation noise variance;
// sigma_y = 0 is treated as this constraint limit.
const minSigmaY = 1e-10

// Sampler draws posterior samples by DDIM-family reverse diffusion,
// corrected at every step toward consistency with a linear observation.
// Eta = 0 is the deterministic DDIM rule; Eta = 1 recovers ancestral
// sampling.
type Sampler struct {
	Schedule Schedule
	Steps    int
	Eta      float64
}

// Sample integrates the reverse process from pure noise down to t=0. A nil
// operator degrades to unconditional sampling. The iteration is strictly
// sequential and never propagates gradients.
func (s Sampler) Sample(rng *rand.Rand, model Model, y []float64, op measurement.Operator, sigmaY float64) ([]float64, error) {
	if s.Steps < 1 {
		return nil, fmt.Errorf("diffusion: sampler needs steps >= 1, got %d", s.Steps)
	}
	dim := model.SignalDim()
	if op != nil {
		if err := measurement.Check(op, dim, len(y)); err != nil {
			return nil, err
		}
	}
	if sigmaY < minSigmaY {
		sigmaY = minSigmaY
	}

	x := make([]float64, dim)
	for i := range x {
		x[i] = rng.NormFloat64()
	}

	for i := s.Steps; i >= 1; i-- {
		t := float64(i) / float64(s.Steps)
		next := float64(i-1) / float64(s.Steps)

		x0, err := model.Denoise(rng, x, t)
		if err != nil {
			return nil, err
		}
		if op != nil {
			if err := s.correct(x0, y, op, sigmaY, clampT(t)); err != nil {
				return nil, err
			}
		}
		x = s.advance(rng, x, x0, t, next)
	}
	return x, nil
}

// correct pulls the instantaneous denoised estimate toward measurement
// consistency with a one-step Gaussian-likelihood update
//
//	x0 += Σt·Aᵀ (σy·I + A·Σt·Aᵀ)⁻¹ (y − A·x0),   Σt = t·I
//
// the same conjugate update the analytic denoiser applies to its static
// prior. x0 is modified in place.
func (s Sampler) correct(x0, y []float64, op measurement.Operator, sigmaY, t float64) error {
	vt := t
	resid := op.Apply(x0)
	for i := range resid {
		resid[i] = y[i] - resid[i]
	}

	var w []float64
	if dg, ok := op.(measurement.DiagonalGramer); ok {
		diag := dg.DiagonalGram()
		w = make([]float64, len(resid))
		for i := range resid {
			w[i] = resid[i] / (sigmaY + vt*diag[i])
		}
	} else {
		var err error
		w, err = solveGram(op, resid, sigmaY, vt)
		if err != nil {
			return err
		}
	}

	corr := op.Adjoint(w)
	for i := range x0 {
		x0[i] += vt * corr[i]
		if math.IsNaN(x0[i]) || math.IsInf(x0[i], 0) {
			return fmt.Errorf("guidance at t=%g: %w", t, ErrNumericalInstability)
		}
	}
	return nil
}

// advance applies the DDIM update from level t to next given the corrected
// clean estimate, adding churn noise when Eta > 0.
func (s Sampler) advance(rng *rand.Rand, x, x0 []float64, t, next float64) []float64 {
	alphaT, sigmaT := s.Schedule.Alpha(t), s.Schedule.Sigma(t)
	alphaN, sigmaN := s.Schedule.Alpha(next), s.Schedule.Sigma(next)
	if sigmaT < 1e-12 {
		sigmaT = 1e-12
	}

	var take float64
	if s.Eta > 0 && next > 0 && alphaN > 0 {
		ratio := (alphaT * alphaT) / (alphaN * alphaN)
		take = s.Eta * (sigmaN / sigmaT) * math.Sqrt(math.Max(0, 1-ratio))
		if take > sigmaN {
			take = sigmaN
		}
	}
	det := math.Sqrt(math.Max(0, sigmaN*sigmaN-take*take))

	out := make([]float64, len(x))
	for i := range x {
		epsHat := (x[i] - alphaT*x0[i]) / sigmaT
		out[i] = alphaN*x0[i] + det*epsHat
		if take > 0 {
			out[i] += take * rng.NormFloat64()
		}
	}
	return out
}

// solveGram solves (σy·I + vt·A·Aᵀ) w = resid by conjugate gradients using
// only operator applications; the system is symmetric positive definite. A
// non-finite iterate is retried once with extra regularization.
func solveGram(op measurement.Operator, resid []float64, sigmaY, vt float64) ([]float64, error) {
	w, err := conjGrad(op, resid, sigmaY, vt)
	if err != nil {
		w, err = conjGrad(op, resid, sigmaY+1e-6, vt)
		if err != nil {
			return nil, err
		}
	}
	return w, nil
}

func conjGrad(op measurement.Operator, b []float64, sigmaY, vt float64) ([]float64, error) {
	apply := func(v []float64) []float64 {
		out := op.Apply(op.Adjoint(v))
		for i := range out {
			out[i] = sigmaY*v[i] + vt*out[i]
		}
		return out
	}

	n := len(b)
	w := make([]float64, n)
	r := append([]float64(nil), b...)
	p := append([]float64(nil), b...)
	rs := dot(r, r)

	for iter := 0; iter < 4*n+8; iter++ {
		if math.Sqrt(rs) < 1e-10 {
			break
		}
		ap := apply(p)
		den := dot(p, ap)
		if den <= 0 || math.IsNaN(den) || math.IsInf(den, 0) {
			return nil, fmt.Errorf("gram solve: %w", ErrNumericalInstability)
		}
		step := rs / den
		for i := range w {
			w[i] += step * p[i]
			r[i] -= step * ap[i]
		}
		rsNew := dot(r, r)
		beta := rsNew / rs
		for i := range p {
			p[i] = r[i] + beta*p[i]
		}
		rs = rsNew
	}
	for _, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("gram solve: %w", ErrNumericalInstability)
		}
	}
	return w, nil
}

func dot(a, b []float64) float64 {
	var acc float64
	for i := range a {
		acc += a[i] * b[i]
	}
	return acc
}
