// Package diffusion implements the variance-preserving diffusion process:
// the learned and analytic denoisers, the measurement-guided reverse-time
// sampler, the training objective and the EMA parameter shadow.
package diffusion

import (
	"errors"
	"fmt"
	"math"
)

// ErrNumericalInstability marks a singular solve or a NaN/Inf produced by
// guidance or posterior math. Callers recover once by epsilon-regularizing
// the offending term; recurrence is fatal.
var ErrNumericalInstability = errors.New("diffusion: numerical instability")

// tClamp keeps noise levels away from the exact endpoints where the
// conjugate updates become singular.
const tClamp = 1e-4

// Schedule maps a noise level t in [0,1] to the signal and noise
// coefficients of the perturbation x_t = alpha(t)·x0 + sigma(t)·eps.
// Valid schedules satisfy alpha(0)=1 and alpha(1)=0 monotonically.
type Schedule interface {
	Alpha(t float64) float64
	Sigma(t float64) float64
}

// VP is the variance-preserving schedule: alpha² + sigma² = 1 with
// alpha(t) = sqrt(1−t).
type VP struct{}

func (VP) Alpha(t float64) float64 { return math.Sqrt(1 - t) }
func (VP) Sigma(t float64) float64 { return math.Sqrt(t) }

// Cosine is the variance-preserving cosine schedule.
type Cosine struct{}

func (Cosine) Alpha(t float64) float64 { return math.Cos(math.Pi / 2 * t) }
func (Cosine) Sigma(t float64) float64 { return math.Sin(math.Pi / 2 * t) }

// ScheduleByName resolves the configured schedule choice.
func ScheduleByName(name string) (Schedule, error) {
	switch name {
	case "", "vp":
		return VP{}, nil
	case "cosine":
		return Cosine{}, nil
	default:
		return nil, fmt.Errorf("diffusion: unknown schedule: %s", name)
	}
}

func clampT(t float64) float64 {
	if t < tClamp {
		return tClamp
	}
	if t > 1-tClamp {
		return 1 - tClamp
	}
	return t
}
