// Package train owns the optimization side of a lap: the Adam optimizer
// behind an opaque-state contract, gradient clipping, EMA wiring and the
// epoch loop.
package train

import (
	"errors"
	"fmt"
	"math"
)

// ErrDivergence marks a NaN/Inf loss or gradient explosion that clipping
// could not contain. It aborts the current lap.
var ErrDivergence = errors.New("train: optimization diverged")

// State is opaque optimizer state: produced by Init, consumed and returned
// by Update. The loop never inspects it.
type State any

// Optimizer applies a gradient and returns updated parameters and state.
// Implementations allocate fresh parameter slices (copy-on-write); callers
// discard the old tree only after the step completes.
type Optimizer interface {
	Init(params [][]float64) State
	Update(grads, params [][]float64, st State) ([][]float64, State, error)
}

// Adam is Adam with bias correction and an optional linear learning-rate
// decay over TotalSteps.
type Adam struct {
	LR        float64
	LREnd     float64
	Scheduler string // "constant" or "linear"
	Beta1     float64
	Beta2     float64
	Eps       float64
	TotalSteps int
}

type adamState struct {
	step int
	m, v [][]float64
}

func (a Adam) defaults() Adam {
	if a.Beta1 == 0 {
		a.Beta1 = 0.9
	}
	if a.Beta2 == 0 {
		a.Beta2 = 0.999
	}
	if a.Eps == 0 {
		a.Eps = 1e-8
	}
	return a
}

func (a Adam) Init(params [][]float64) State {
	st := &adamState{
		m: make([][]float64, len(params)),
		v: make([][]float64, len(params)),
	}
	for i := range params {
		st.m[i] = make([]float64, len(params[i]))
		st.v[i] = make([]float64, len(params[i]))
	}
	return st
}

func (a Adam) rate(step int) float64 {
	if a.Scheduler != "linear" || a.TotalSteps <= 1 {
		return a.LR
	}
	frac := float64(step-1) / float64(a.TotalSteps-1)
	if frac > 1 {
		frac = 1
	}
	return a.LR + frac*(a.LREnd-a.LR)
}

func (a Adam) Update(grads, params [][]float64, st State) ([][]float64, State, error) {
	a = a.defaults()
	s, ok := st.(*adamState)
	if !ok {
		return nil, nil, fmt.Errorf("train: adam given foreign state %T", st)
	}
	if len(grads) != len(params) || len(params) != len(s.m) {
		return nil, nil, fmt.Errorf("train: adam tree size mismatch: grads=%d params=%d state=%d", len(grads), len(params), len(s.m))
	}

	next := &adamState{
		step: s.step + 1,
		m:    make([][]float64, len(params)),
		v:    make([][]float64, len(params)),
	}
	lr := a.rate(next.step)
	c1 := 1 - math.Pow(a.Beta1, float64(next.step))
	c2 := 1 - math.Pow(a.Beta2, float64(next.step))

	out := make([][]float64, len(params))
	for i := range params {
		if len(grads[i]) != len(params[i]) {
			return nil, nil, fmt.Errorf("train: adam leaf %d length mismatch: grad=%d param=%d", i, len(grads[i]), len(params[i]))
		}
		pm := make([]float64, len(params[i]))
		pv := make([]float64, len(params[i]))
		pp := make([]float64, len(params[i]))
		for j := range params[i] {
			g := grads[i][j]
			pm[j] = a.Beta1*s.m[i][j] + (1-a.Beta1)*g
			pv[j] = a.Beta2*s.v[i][j] + (1-a.Beta2)*g*g
			mHat := pm[j] / c1
			vHat := pv[j] / c2
			if vHat < 0 {
				vHat = 0
			}
			pp[j] = params[i][j] - lr*mHat/(math.Sqrt(vHat)+a.Eps)
		}
		next.m[i], next.v[i], out[i] = pm, pv, pp
	}
	return out, next, nil
}
