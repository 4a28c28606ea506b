// Package moments fits a rank-reduced Gaussian approximation (mean plus
// low-rank covariance) to a dataset of linear measurements. It alternates
// posterior sampling under the current estimate with moment re-estimation,
// and is used only to bootstrap training.
package moments

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"scoreprior/internal/diffusion"
	"scoreprior/internal/measurement"
)

// ErrConvergenceFailure is returned alongside the best estimate when the
// iteration budget runs out before the tolerance is met. Non-fatal.
var ErrConvergenceFailure = errors.New("moments: iteration budget exhausted before convergence")

// Config bounds the fit.
type Config struct {
	Dim     int
	Rank    int
	SigmaY  float64
	Steps   int // sampler steps per posterior draw
	MaxIter int
	Tol     float64
	Workers int

	Schedule diffusion.Schedule
}

// Result is the fitted Gaussian, consumable by the analytic denoiser.
type Result struct {
	Mu      []float64
	Var     float64
	Factors *mat.Dense
	Iters   int
}

// Fit estimates (mu, var, factors) for the observations (y_i, A_i) with
// known noise variance sigmaY. On ErrConvergenceFailure the returned result
// is still the best estimate.
func Fit(rng *rand.Rand, cfg Config, y [][]float64, ops []measurement.Operator) (Result, error) {
	if len(y) == 0 || len(y) != len(ops) {
		return Result{}, fmt.Errorf("moments: need matching observations and operators, got y=%d ops=%d", len(y), len(ops))
	}
	if cfg.Rank >= cfg.Dim {
		return Result{}, fmt.Errorf("moments: rank %d must be below signal dim %d", cfg.Rank, cfg.Dim)
	}
	if cfg.Rank >= len(y) {
		cfg.Rank = len(y) - 1
	}
	for i := range y {
		if err := measurement.Check(ops[i], cfg.Dim, len(y[i])); err != nil {
			return Result{}, err
		}
	}
	if cfg.MaxIter < 1 {
		cfg.MaxIter = 8
	}
	if cfg.Tol <= 0 {
		cfg.Tol = 1e-3
	}
	sched := cfg.Schedule
	if sched == nil {
		sched = diffusion.VP{}
	}

	cur := Result{Mu: make([]float64, cfg.Dim), Var: 1}
	for iter := 1; iter <= cfg.MaxIter; iter++ {
		prior, err := diffusion.NewGaussianDenoiser(cur.Mu, cur.Var, cur.Factors, sched)
		if err != nil {
			return cur, err
		}
		samples, err := drawPosterior(rng, cfg, prior, y, ops)
		if err != nil {
			return cur, err
		}
		next, err := refit(samples, cfg.Rank)
		if err != nil {
			return cur, err
		}
		next.Iters = iter

		delta := shift(cur.Mu, next.Mu) + math.Abs(next.Var-cur.Var)
		cur = next
		if delta < cfg.Tol {
			return cur, nil
		}
	}
	return cur, ErrConvergenceFailure
}

// drawPosterior samples x | y_i for every observation under the current
// Gaussian prior, fanning out across the worker budget.
func drawPosterior(rng *rand.Rand, cfg Config, prior *diffusion.GaussianDenoiser, y [][]float64, ops []measurement.Operator) ([][]float64, error) {
	sampler := diffusion.Sampler{Schedule: prior.Schedule, Steps: cfg.Steps}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(y) {
		workers = len(y)
	}

	seeds := make([]int64, len(y))
	for i := range seeds {
		seeds[i] = rng.Int63()
	}
	samples := make([][]float64, len(y))
	errs := make([]error, len(y))

	var wg sync.WaitGroup
	jobs := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				r := rand.New(rand.NewSource(seeds[i]))
				samples[i], errs[i] = sampler.Sample(r, prior, y[i], ops[i], cfg.SigmaY)
			}
		}()
	}
	for i := range y {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return samples, nil
}

// refit re-estimates the mean and a rank-r probabilistic-PCA factorization
// from posterior samples. Eigenvalues below the residual variance are
// clamped, projecting onto the nearest valid factorization.
func refit(samples [][]float64, rank int) (Result, error) {
	n := len(samples)
	d := len(samples[0])

	mu := make([]float64, d)
	for _, s := range samples {
		for j, v := range s {
			mu[j] += v / float64(n)
		}
	}

	centered := mat.NewDense(n, d, nil)
	for i, s := range samples {
		for j, v := range s {
			centered.Set(i, j, (v-mu[j])/math.Sqrt(float64(n)))
		}
	}

	var svd mat.SVD
	if !svd.Factorize(centered, mat.SVDThinV) {
		return Result{}, fmt.Errorf("moments: covariance factorization: %w", diffusion.ErrNumericalInstability)
	}
	vals := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	k := rank
	if k > len(vals) {
		k = len(vals)
	}

	// Residual variance = mean of the trailing spectrum, floored away from 0.
	var tail float64
	count := 0
	for i := k; i < len(vals); i++ {
		tail += vals[i] * vals[i]
		count++
	}
	variance := 1e-6
	if count > 0 {
		variance = math.Max(tail/float64(count), 1e-6)
	}

	if k < 1 {
		return Result{Mu: mu, Var: variance}, nil
	}
	factors := mat.NewDense(d, k, nil)
	for c := 0; c < k; c++ {
		ev := vals[c] * vals[c]
		scale := math.Sqrt(math.Max(ev-variance, 0))
		for r := 0; r < d; r++ {
			factors.Set(r, c, v.At(r, c)*scale)
		}
	}
	return Result{Mu: mu, Var: variance, Factors: factors}, nil
}

func shift(a, b []float64) float64 {
	var max float64
	for i := range a {
		if d := math.Abs(a[i] - b[i]); d > max {
			max = d
		}
	}
	return max
}
