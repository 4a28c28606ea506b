package diffusion

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// GaussianDenoiser is the closed-form posterior-mean denoiser for a Gaussian
// prior N(μx, Σx) with Σx = v·I + U·Uᵀ (scaled identity plus low-rank). It
// bootstraps training before any network exists and serves as the
// moment-fitting primitive.
type GaussianDenoiser struct {
	Mu  []float64
	Var float64
	// U holds the d×r low-rank covariance factors; nil means isotropic.
	U *mat.Dense

	Schedule Schedule

	utu *mat.SymDense // Uᵀ·U, cached
}

func NewGaussianDenoiser(mu []float64, variance float64, factors *mat.Dense, sched Schedule) (*GaussianDenoiser, error) {
	if variance <= 0 {
		return nil, fmt.Errorf("diffusion: prior variance must be positive, got %g", variance)
	}
	g := &GaussianDenoiser{Mu: mu, Var: variance, U: factors, Schedule: sched}
	if factors != nil {
		d, r := factors.Dims()
		if d != len(mu) {
			return nil, fmt.Errorf("diffusion: factor rows %d, signal dim %d", d, len(mu))
		}
		if r >= d {
			return nil, fmt.Errorf("diffusion: covariance rank %d must be below signal dim %d", r, d)
		}
		utu := mat.NewSymDense(r, nil)
		for i := 0; i < r; i++ {
			for j := i; j < r; j++ {
				var acc float64
				for k := 0; k < d; k++ {
					acc += factors.At(k, i) * factors.At(k, j)
				}
				utu.SetSym(i, j, acc)
			}
		}
		g.utu = utu
	}
	return g, nil
}

func (g *GaussianDenoiser) SignalDim() int { return len(g.Mu) }

// Denoise computes the exact posterior mean of x0 given xt under the VP
// forward noising, a linear-Gaussian conjugate update. t is clamped away
// from the endpoints to keep the inverse well defined.
func (g *GaussianDenoiser) Denoise(_ *rand.Rand, xt []float64, t float64) ([]float64, error) {
	if len(xt) != len(g.Mu) {
		return nil, fmt.Errorf("diffusion: input length %d, signal dim %d", len(xt), len(g.Mu))
	}
	t = clampT(t)
	alpha, sigma := g.Schedule.Alpha(t), g.Schedule.Sigma(t)
	a2, s2 := alpha*alpha, sigma*sigma
	gamma := a2*g.Var + s2

	// r = xt − alpha·mu, z = (a²Σx + s²I)⁻¹ r via Woodbury.
	r := make([]float64, len(xt))
	for i := range xt {
		r[i] = xt[i] - alpha*g.Mu[i]
	}

	z := make([]float64, len(r))
	for i := range r {
		z[i] = r[i] / gamma
	}
	var uz []float64
	if g.U != nil {
		w, err := g.solveCore(r, a2/gamma)
		if err != nil {
			return nil, err
		}
		d, rank := g.U.Dims()
		corr := make([]float64, d)
		mat.NewVecDense(d, corr).MulVec(g.U, mat.NewVecDense(rank, w))
		for i := range z {
			z[i] -= (a2 / (gamma * gamma)) * corr[i]
		}

		utz := make([]float64, rank)
		mat.NewVecDense(rank, utz).MulVec(g.U.T(), mat.NewVecDense(d, z))
		uz = make([]float64, d)
		mat.NewVecDense(d, uz).MulVec(g.U, mat.NewVecDense(rank, utz))
	}

	// posterior mean = mu + alpha·Σx·z
	out := make([]float64, len(xt))
	for i := range out {
		sx := g.Var * z[i]
		if uz != nil {
			sx += uz[i]
		}
		out[i] = g.Mu[i] + alpha*sx
		if math.IsNaN(out[i]) || math.IsInf(out[i], 0) {
			return nil, fmt.Errorf("posterior mean at t=%g: %w", t, ErrNumericalInstability)
		}
	}
	return out, nil
}

// solveCore solves (I + c·UᵀU) w = Uᵀ r. A singular factorization is
// regularized once before giving up.
func (g *GaussianDenoiser) solveCore(r []float64, c float64) ([]float64, error) {
	d, rank := g.U.Dims()
	rhs := make([]float64, rank)
	mat.NewVecDense(rank, rhs).MulVec(g.U.T(), mat.NewVecDense(d, r))

	core := mat.NewSymDense(rank, nil)
	for i := 0; i < rank; i++ {
		for j := i; j < rank; j++ {
			v := c * g.utu.At(i, j)
			if i == j {
				v++
			}
			core.SetSym(i, j, v)
		}
	}

	w := make([]float64, rank)
	var chol mat.Cholesky
	if !chol.Factorize(core) {
		for i := 0; i < rank; i++ {
			core.SetSym(i, i, core.At(i, i)+1e-8)
		}
		if !chol.Factorize(core) {
			return nil, fmt.Errorf("low-rank core solve: %w", ErrNumericalInstability)
		}
	}
	if err := chol.SolveVecTo(mat.NewVecDense(rank, w), mat.NewVecDense(rank, rhs)); err != nil {
		return nil, fmt.Errorf("low-rank core solve: %w", ErrNumericalInstability)
	}
	return w, nil
}
