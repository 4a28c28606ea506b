package train

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/rs/zerolog"

	"scoreprior/internal/dataset"
	"scoreprior/internal/diffusion"
	"scoreprior/internal/nn"
)

// maxClipStreak is how many consecutive clipped steps count as persistent
// divergence.
const maxClipStreak = 50

// Config is one lap's optimization surface.
type Config struct {
	Epochs    int
	BatchSize int
	LR        float64
	LREnd     float64
	Scheduler string
	Clip      float64
	EMADecay  float64
	Weighting string
	Workers   int
	EvalEvery int
	SigmaY    float64
}

// Report is emitted once per epoch to the metrics sink.
type Report struct {
	Epoch    int
	Loss     float64
	ValLoss  float64
	GradNorm float64
	Clipped  bool
	// Samples carries periodic eval-time posterior draws; nil otherwise.
	Samples [][]float64
}

// Sink consumes epoch reports. Nil sinks are allowed.
type Sink func(Report)

// Output is everything a lap checkpoint needs from the loop.
type Output struct {
	Params    [][]float64
	EMA       [][]float64
	Losses    []float64
	ValLosses []float64
}

// Run optimizes the denoiser on generated clean signals for the configured
// number of epochs. Each step is atomic: fresh parameter, optimizer and EMA
// trees replace the old ones only after the whole update is computed.
func Run(
	ctx context.Context,
	logger zerolog.Logger,
	cfg Config,
	d *diffusion.Denoiser,
	trainSet, testSet *dataset.Signals,
	evalObs *dataset.Observations,
	sampler diffusion.Sampler,
	rng *rand.Rand,
	sink Sink,
) (Output, error) {
	if cfg.BatchSize < 1 || cfg.Epochs < 1 {
		return Output{}, fmt.Errorf("train: need positive epochs and batch size, got epochs=%d batch=%d", cfg.Epochs, cfg.BatchSize)
	}
	if trainSet.Len() < cfg.BatchSize {
		return Output{}, fmt.Errorf("train: %d signals cannot fill a batch of %d", trainSet.Len(), cfg.BatchSize)
	}

	d = d.WithTraining(true)
	leaves := d.Network.Leaves()
	params := LeafValues(leaves)

	stepsPerEpoch := trainSet.Len() / cfg.BatchSize
	opt := Adam{
		LR:         cfg.LR,
		LREnd:      cfg.LREnd,
		Scheduler:  cfg.Scheduler,
		TotalSteps: cfg.Epochs * stepsPerEpoch,
	}
	st := opt.Init(params)

	ema := diffusion.EMA{Decay: cfg.EMADecay}
	shadow := LeafValues(leaves)

	objective := diffusion.DenoiserLoss{Weighting: cfg.Weighting, Workers: cfg.Workers}

	var out Output
	clipStreak := 0

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		var epochLoss, lastNorm float64
		var lastClipped bool
		batches := trainSet.Batches(rng, cfg.BatchSize)

		for _, idx := range batches {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			x0 := trainSet.Gather(rng, idx, true)
			eps, ts := perturbations(rng, len(idx), d.SignalDim())

			loss, gradMap, err := objective.Loss(rng, d, x0, eps, ts)
			if err != nil {
				return out, err
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return out, fmt.Errorf("train: loss=%v at epoch %d: %w", loss, epoch, ErrDivergence)
			}
			epochLoss += loss / float64(len(batches))

			grads := OrderedGrads(leaves, gradMap)
			norm, clipped := ClipGlobalNorm(grads, cfg.Clip)
			lastNorm, lastClipped = norm, clipped
			if clipped {
				clipStreak++
				if clipStreak > maxClipStreak {
					return out, fmt.Errorf("train: gradient norm %.3g exceeded clip for %d consecutive steps: %w", norm, clipStreak, ErrDivergence)
				}
			} else {
				clipStreak = 0
			}

			params, st, err = opt.Update(grads, params, st)
			if err != nil {
				return out, err
			}
			SetLeafValues(leaves, params)

			shadow, err = ema.Update(shadow, params)
			if err != nil {
				return out, err
			}
		}

		valLoss, err := validate(rng, objective, d, leaves, params, shadow, testSet, cfg.BatchSize)
		if err != nil {
			return out, err
		}

		report := Report{Epoch: epoch, Loss: epochLoss, ValLoss: valLoss, GradNorm: lastNorm, Clipped: lastClipped}
		if cfg.EvalEvery > 0 && epoch%cfg.EvalEvery == 0 && evalObs != nil && evalObs.Len() > 0 {
			report.Samples, err = evalSamples(rng, d, leaves, params, shadow, evalObs, sampler, cfg.SigmaY)
			if err != nil {
				return out, err
			}
		}
		logger.Info().
			Int("epoch", epoch).
			Float64("loss", epochLoss).
			Float64("loss_val", valLoss).
			Float64("grad_norm", lastNorm).
			Msg("epoch done")
		if sink != nil {
			sink(report)
		}

		out.Losses = append(out.Losses, epochLoss)
		out.ValLosses = append(out.ValLosses, valLoss)
	}

	out.Params = params
	out.EMA = shadow
	return out, nil
}

// validate scores the held-out set under the EMA shadow parameters.
func validate(
	rng *rand.Rand,
	objective diffusion.DenoiserLoss,
	d *diffusion.Denoiser,
	leaves []*nn.Leaf,
	params, shadow [][]float64,
	testSet *dataset.Signals,
	batchSize int,
) (float64, error) {
	if testSet == nil || testSet.Len() < batchSize {
		return math.NaN(), nil
	}
	SetLeafValues(leaves, shadow)
	defer SetLeafValues(leaves, params)

	eval := d.WithTraining(false)
	var total float64
	batches := testSet.Batches(rng, batchSize)
	for _, idx := range batches {
		x0 := testSet.Gather(rng, idx, false)
		eps, ts := perturbations(rng, len(idx), d.SignalDim())
		loss, err := objective.Eval(rng, eval, x0, eps, ts)
		if err != nil {
			return 0, err
		}
		total += loss / float64(len(batches))
	}
	return total, nil
}

// evalSamples draws posterior samples on the held-out observations with the
// EMA weights, for the periodic sample emission.
func evalSamples(
	rng *rand.Rand,
	d *diffusion.Denoiser,
	leaves []*nn.Leaf,
	params, shadow [][]float64,
	evalObs *dataset.Observations,
	sampler diffusion.Sampler,
	sigmaY float64,
) ([][]float64, error) {
	SetLeafValues(leaves, shadow)
	defer SetLeafValues(leaves, params)

	eval := d.WithTraining(false)
	n := evalObs.Len()
	if n > 16 {
		n = 16
	}
	samples := make([][]float64, n)
	for i := 0; i < n; i++ {
		x, err := sampler.Sample(rng, eval, evalObs.Y[i], evalObs.Ops[i], sigmaY)
		if err != nil {
			return nil, err
		}
		samples[i] = x
	}
	return samples, nil
}

// perturbations draws a batch of unit Gaussian noise vectors and Beta(3,3)
// noise levels. Beta(3,3) is realized as the median of five uniforms (the
// third order statistic of five).
func perturbations(rng *rand.Rand, batch, dim int) ([][]float64, []float64) {
	eps := make([][]float64, batch)
	ts := make([]float64, batch)
	u := make([]float64, 5)
	for i := 0; i < batch; i++ {
		e := make([]float64, dim)
		for j := range e {
			e[j] = rng.NormFloat64()
		}
		eps[i] = e

		for j := range u {
			u[j] = rng.Float64()
		}
		sort.Float64s(u)
		ts[i] = u[2]
	}
	return eps, ts
}

// LeafValues clones the parameter tree out of the network leaves.
func LeafValues(leaves []*nn.Leaf) [][]float64 {
	out := make([][]float64, len(leaves))
	for i, l := range leaves {
		out[i] = append([]float64(nil), l.Value...)
	}
	return out
}

// SetLeafValues copies a parameter tree back into the network leaves.
func SetLeafValues(leaves []*nn.Leaf, vals [][]float64) {
	for i, l := range leaves {
		copy(l.Value, vals[i])
	}
}

// OrderedGrads lays the gradient map out in leaf order, zero-filling leaves
// the batch never touched.
func OrderedGrads(leaves []*nn.Leaf, gradMap map[*nn.Leaf][]float64) [][]float64 {
	out := make([][]float64, len(leaves))
	for i, l := range leaves {
		if g, ok := gradMap[l]; ok {
			out[i] = g
		} else {
			out[i] = make([]float64, len(l.Value))
		}
	}
	return out
}
