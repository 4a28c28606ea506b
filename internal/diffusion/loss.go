package diffusion

import (
	"fmt"
	"math/rand"
	"sync"

	"scoreprior/internal/nn"
	"scoreprior/internal/tensor"
)

// DenoiserLoss is the denoising score-matching objective. The network's
// residual prediction is compared against the target residual implied by
// (x0, eps, t) under the baseline-subtracted parameterization, weighted per
// sample by a function of t that down-weights near-zero-noise examples.
type DenoiserLoss struct {
	// Weighting selects the per-sample weight: "t" (default; makes the
	// residual loss equal to clean-signal MSE) or "uniform".
	Weighting string

	// Workers bounds the fan-out across batch items. Gradients accumulate
	// in per-item tapes and are reduced after the wait.
	Workers int
}

func (l DenoiserLoss) weight(t float64) float64 {
	if l.Weighting == "uniform" {
		return 1
	}
	return t
}

// Loss evaluates the batch-mean objective and its gradient with respect to
// every network parameter. Each batch item gets its own deterministic
// randomness handle split from rng before the fan-out.
func (l DenoiserLoss) Loss(rng *rand.Rand, d *Denoiser, x0, eps [][]float64, t []float64) (float64, map[*nn.Leaf][]float64, error) {
	return l.run(rng, d, x0, eps, t, true)
}

// Eval evaluates the objective without recording gradients.
func (l DenoiserLoss) Eval(rng *rand.Rand, d *Denoiser, x0, eps [][]float64, t []float64) (float64, error) {
	loss, _, err := l.run(rng, d, x0, eps, t, false)
	return loss, err
}

func (l DenoiserLoss) run(rng *rand.Rand, d *Denoiser, x0, eps [][]float64, t []float64, withGrad bool) (float64, map[*nn.Leaf][]float64, error) {
	batch := len(x0)
	if batch == 0 || len(eps) != batch || len(t) != batch {
		return 0, nil, fmt.Errorf("diffusion: loss batch sizes disagree: x0=%d eps=%d t=%d", len(x0), len(eps), len(t))
	}
	dim := d.SignalDim()
	for i := range x0 {
		if len(x0[i]) != dim || len(eps[i]) != dim {
			return 0, nil, fmt.Errorf("diffusion: loss sample %d length mismatch with signal dim %d", i, dim)
		}
	}

	workers := l.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > batch {
		workers = batch
	}
	seeds := make([]int64, batch)
	for i := range seeds {
		seeds[i] = rng.Int63()
	}

	losses := make([]float64, batch)
	traces := make([]*nn.Trace, batch)
	errs := make([]error, batch)

	var wg sync.WaitGroup
	jobs := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				losses[i], traces[i], errs[i] = l.item(d, x0[i], eps[i], t[i], seeds[i], withGrad)
			}
		}()
	}
	for i := 0; i < batch; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var total float64
	grads := make(map[*nn.Leaf][]float64)
	for i := 0; i < batch; i++ {
		if errs[i] != nil {
			return 0, nil, errs[i]
		}
		total += losses[i] / float64(batch)
		if withGrad {
			traces[i].AddGradsInto(grads)
		}
	}
	if withGrad {
		for _, g := range grads {
			for j := range g {
				g[j] /= float64(batch)
			}
		}
	}
	return total, grads, nil
}

// item computes one sample's weighted residual loss and, when requested, the
// tape seeded with its output gradient, already run backward.
func (l DenoiserLoss) item(d *Denoiser, x0, eps []float64, t float64, seed int64, withGrad bool) (float64, *nn.Trace, error) {
	t = clampT(t)
	alpha, sigma := d.Schedule.Alpha(t), d.Schedule.Sigma(t)
	dim := len(x0)

	centered := make([]float64, dim)
	target := make([]float64, dim)
	for j := range x0 {
		xt := alpha*x0[j] + sigma*eps[j]
		centered[j] = xt - d.MuX[j]
		// Residual the network must produce for x̂0 to equal x0 exactly.
		target[j] = (d.MuX[j] + alpha*centered[j] - x0[j]) / sigma
	}

	var tr *nn.Trace
	if withGrad || d.Training() {
		tr = nn.NewTrace(d.Training(), rand.New(rand.NewSource(seed)))
	}
	out := d.Network.Forward(tr, tensor.Unflatten(centered, d.Height, d.Width, d.Channels), t)

	w := l.weight(t)
	res := tensor.Flatten(out.Val)
	var loss float64
	for j := range res {
		diff := res[j] - target[j]
		loss += diff * diff
	}
	loss = w * loss / float64(dim)

	if !withGrad {
		return loss, nil, nil
	}
	g := out.Grad()
	for j := range res {
		g.Data[j] = w * 2 * (res[j] - target[j]) / float64(dim)
	}
	tr.Backward()
	return loss, tr, nil
}
