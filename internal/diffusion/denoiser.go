package diffusion

import (
	"fmt"
	"math/rand"

	"scoreprior/internal/nn"
	"scoreprior/internal/tensor"
)

// Model estimates the clean signal from a noised version and its noise
// level. Signals cross this boundary as flat vectors.
type Model interface {
	Denoise(rng *rand.Rand, xt []float64, t float64) ([]float64, error)
	SignalDim() int
}

// Denoiser wraps the backbone with the baseline-subtracted residual
// parameterization
//
//	x̂0 = μx + alpha(t)·(xt − μx) − sigma(t)·net(xt − μx, t)
//
// so that x̂0 = xt at t=0 and x̂0 = μx − net(·, 1) at t=1. The value is
// immutable: changing the baseline or the training flag constructs a new
// Denoiser from the previous fields.
type Denoiser struct {
	Network  *nn.UNet
	Schedule Schedule

	// MuX is the fixed baseline mean, set once after bootstrap data is
	// generated. Never retrained.
	MuX []float64

	// Height, Width, Channels describe the spatial form of the flat signal.
	Height, Width, Channels int

	training bool
}

func NewDenoiser(network *nn.UNet, sched Schedule, height, width, channels int) *Denoiser {
	return &Denoiser{
		Network:  network,
		Schedule: sched,
		MuX:      make([]float64, height*width*channels),
		Height:   height,
		Width:    width,
		Channels: channels,
	}
}

func (d *Denoiser) SignalDim() int { return d.Height * d.Width * d.Channels }

// WithBaseline returns a copy of the denoiser with a new baseline mean.
func (d *Denoiser) WithBaseline(mu []float64) (*Denoiser, error) {
	if len(mu) != d.SignalDim() {
		return nil, fmt.Errorf("diffusion: baseline length %d, signal dim %d", len(mu), d.SignalDim())
	}
	nd := *d
	nd.MuX = append([]float64(nil), mu...)
	return &nd, nil
}

// WithTraining returns a copy with stochastic layers toggled. Sampling
// requires training off; optimization steps require it on.
func (d *Denoiser) WithTraining(on bool) *Denoiser {
	nd := *d
	nd.training = on
	return &nd
}

// Training reports whether stochastic layers are active.
func (d *Denoiser) Training() bool { return d.training }

// Denoise estimates the clean signal. rng feeds stochastic layers and may be
// nil when training is off.
func (d *Denoiser) Denoise(rng *rand.Rand, xt []float64, t float64) ([]float64, error) {
	if len(xt) != d.SignalDim() {
		return nil, fmt.Errorf("diffusion: input length %d, signal dim %d", len(xt), d.SignalDim())
	}
	t = clampT(t)
	alpha, sigma := d.Schedule.Alpha(t), d.Schedule.Sigma(t)

	centered := make([]float64, len(xt))
	for i := range xt {
		centered[i] = xt[i] - d.MuX[i]
	}

	var tr *nn.Trace
	if d.training {
		tr = nn.NewTrace(true, rng)
	}
	out := d.Network.Forward(tr, tensor.Unflatten(centered, d.Height, d.Width, d.Channels), t)

	x0 := make([]float64, len(xt))
	res := tensor.Flatten(out.Val)
	for i := range x0 {
		x0[i] = d.MuX[i] + alpha*centered[i] - sigma*res[i]
	}
	return x0, nil
}
