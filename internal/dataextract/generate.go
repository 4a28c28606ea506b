package dataextract

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"scoreprior/internal/dataset"
)

// GenerateOptions shapes the synthetic ground truth: signals drawn from a
// low-rank Gaussian so the moment-fitting stage has something recoverable.
type GenerateOptions struct {
	Count    int
	Height   int
	Width    int
	Channels int
	Rank     int
	Var      float64
	Seed     int64
}

// GenerateSignals draws Count signals from N(mu, var*I + U*U^T) with a
// random mean in [0,1] and random factors.
func GenerateSignals(opts GenerateOptions) *dataset.Signals {
	rng := rand.New(rand.NewSource(opts.Seed))
	dim := opts.Height * opts.Width * opts.Channels
	if opts.Rank < 0 {
		opts.Rank = 0
	}
	if opts.Rank >= dim {
		opts.Rank = dim - 1
	}
	if opts.Var <= 0 {
		opts.Var = 0.05
	}

	mu := make([]float64, dim)
	for i := range mu {
		mu[i] = rng.Float64()
	}
	factors := make([][]float64, opts.Rank)
	for r := range factors {
		factors[r] = make([]float64, dim)
		for i := range factors[r] {
			factors[r][i] = 0.3 * rng.NormFloat64()
		}
	}

	signals := &dataset.Signals{Height: opts.Height, Width: opts.Width, Channels: opts.Channels}
	sd := math.Sqrt(opts.Var)
	for k := 0; k < opts.Count; k++ {
		x := make([]float64, dim)
		copy(x, mu)
		for _, factor := range factors {
			z := rng.NormFloat64()
			for i := range x {
				x[i] += z * factor[i]
			}
		}
		for i := range x {
			x[i] += sd * rng.NormFloat64()
		}
		signals.X = append(signals.X, x)
	}
	return signals
}

// WriteDatasetFiles generates signals, measures them and writes both CSVs
// under dir. Returns the written paths.
func WriteDatasetFiles(dir string, opts GenerateOptions, spec string, sigmaY float64) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	signals := GenerateSignals(opts)
	rng := rand.New(rand.NewSource(opts.Seed + 1))
	obs, err := Observe(rng, signals, spec, sigmaY)
	if err != nil {
		return nil, err
	}

	signalsPath := filepath.Join(dir, "signals.csv")
	signalsFile, err := os.Create(signalsPath)
	if err != nil {
		return nil, err
	}
	if err := WriteSignalsCSV(signalsFile, signals); err != nil {
		signalsFile.Close()
		return nil, err
	}
	if err := signalsFile.Close(); err != nil {
		return nil, err
	}

	obsPath := filepath.Join(dir, "observations.csv")
	obsFile, err := os.Create(obsPath)
	if err != nil {
		return nil, err
	}
	if err := WriteObservationsCSV(obsFile, obs); err != nil {
		obsFile.Close()
		return nil, err
	}
	if err := obsFile.Close(); err != nil {
		return nil, err
	}

	return []string{signalsPath, obsPath}, nil
}
