package platform

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"scoreprior/internal/dataset"
	"scoreprior/internal/diffusion"
	"scoreprior/internal/measurement"
	"scoreprior/internal/model"
	"scoreprior/internal/moments"
	"scoreprior/internal/nn"
	"scoreprior/internal/stats"
	"scoreprior/internal/storage"
	"scoreprior/internal/train"
)

type Config struct {
	Store        storage.Store
	ArtifactsDir string
	Logger       zerolog.Logger
}

// Lab owns the multi-lap self-distillation pipeline: moment fitting, data
// generation by posterior sampling, per-lap training and the write-once
// checkpoint barrier between laps.
type Lab struct {
	store        storage.Store
	logger       zerolog.Logger
	artifactsDir string
	jobs         *Supervisor

	mu      sync.RWMutex
	started bool
}

var (
	defaultLabMu sync.Mutex
	defaultLab   *Lab
)

func NewLab(cfg Config) *Lab {
	return &Lab{
		store:        cfg.Store,
		logger:       cfg.Logger,
		artifactsDir: cfg.ArtifactsDir,
		jobs:         NewSupervisor(),
	}
}

func StartDefault(ctx context.Context, cfg Config) (*Lab, error) {
	defaultLabMu.Lock()
	defer defaultLabMu.Unlock()

	if defaultLab != nil && defaultLab.Started() {
		return defaultLab, nil
	}

	l := NewLab(cfg)
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	defaultLab = l
	return defaultLab, nil
}

func Default() (*Lab, bool) {
	defaultLabMu.Lock()
	l := defaultLab
	defaultLabMu.Unlock()

	if l == nil || !l.Started() {
		return nil, false
	}
	return l, true
}

func StopDefault() error {
	defaultLabMu.Lock()
	l := defaultLab
	defaultLabMu.Unlock()
	if l == nil {
		return nil
	}
	if err := l.Stop(); err != nil {
		return err
	}
	defaultLabMu.Lock()
	if defaultLab == l {
		defaultLab = nil
	}
	defaultLabMu.Unlock()
	return nil
}

func (l *Lab) Init(ctx context.Context) error {
	if l.store == nil {
		return fmt.Errorf("store is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	if err := l.store.Init(ctx); err != nil {
		return err
	}
	l.started = true
	return nil
}

func (l *Lab) Started() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.started
}

func (l *Lab) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return nil
	}
	l.jobs.CancelAll()
	l.started = false
	return nil
}

func (l *Lab) Store() storage.Store { return l.store }

// TrainingConfig parameterizes one multi-lap run end to end.
type TrainingConfig struct {
	RunID    string
	Height   int
	Width    int
	Channels int
	Schedule string
	Laps     int

	Arch nn.Config

	// Moment-fitting stage ahead of lap zero.
	Rank          int
	SigmaY        float64
	MomentSteps   int
	MomentMaxIter int
	MomentTol     float64

	// Posterior sampling used for data generation and evaluation.
	SampleSteps int
	Eta         float64

	TrainSize int
	TestSize  int
	EvalSize  int

	Train train.Config

	Seed    int64
	Workers int
}

func (c *TrainingConfig) normalize() error {
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	if c.Height < 1 || c.Width < 1 || c.Channels < 1 {
		return fmt.Errorf("lab: signal shape %dx%dx%d is invalid", c.Height, c.Width, c.Channels)
	}
	if c.Schedule == "" {
		c.Schedule = "vp"
	}
	if c.Laps < 1 {
		return fmt.Errorf("lab: need at least one lap, got %d", c.Laps)
	}
	if c.SampleSteps < 1 {
		c.SampleSteps = 64
	}
	if c.MomentSteps < 1 {
		c.MomentSteps = c.SampleSteps
	}
	if c.MomentMaxIter < 1 {
		c.MomentMaxIter = 16
	}
	if c.MomentTol <= 0 {
		c.MomentTol = 1e-3
	}
	if c.TrainSize < 1 {
		return fmt.Errorf("lab: train size %d is invalid", c.TrainSize)
	}
	if c.TestSize < 1 {
		return fmt.Errorf("lab: test size %d is invalid", c.TestSize)
	}
	if c.EvalSize < 1 {
		c.EvalSize = 16
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Train.Workers < 1 {
		c.Train.Workers = c.Workers
	}
	if c.Train.SigmaY == 0 {
		c.Train.SigmaY = c.SigmaY
	}
	dim := c.Height * c.Width * c.Channels
	if c.Rank < 1 || c.Rank >= dim {
		return fmt.Errorf("lab: rank %d must be in [1, %d)", c.Rank, dim-1)
	}
	if c.Arch.InChannels == 0 {
		c.Arch.InChannels = c.Channels
	}
	if c.Arch.OutChannels == 0 {
		c.Arch.OutChannels = c.Channels
	}
	if c.Arch.InChannels != c.Channels || c.Arch.OutChannels != c.Channels {
		return fmt.Errorf("lab: backbone channels %d/%d do not match signal channels %d",
			c.Arch.InChannels, c.Arch.OutChannels, c.Channels)
	}
	return nil
}

// TrainingResult summarizes a finished run.
type TrainingResult struct {
	RunID        string
	Laps         []stats.LapHistory
	Moments      *stats.MomentRecord
	Samples      []stats.SampleGrid
	FinalValLoss float64
}

// RunTraining executes the full pipeline synchronously. If the run already
// has checkpoints in the store, moment fitting is skipped and laps resume
// after the latest one.
func (l *Lab) RunTraining(ctx context.Context, cfg TrainingConfig, obs *dataset.Observations) (TrainingResult, error) {
	if !l.Started() {
		return TrainingResult{}, fmt.Errorf("lab is not initialized")
	}
	if err := cfg.normalize(); err != nil {
		return TrainingResult{}, err
	}
	dim := cfg.Height * cfg.Width * cfg.Channels
	if obs == nil || obs.Len() == 0 {
		return TrainingResult{}, fmt.Errorf("lab: observations are required")
	}
	if err := obs.Validate(dim); err != nil {
		return TrainingResult{}, err
	}
	sched, err := diffusion.ScheduleByName(cfg.Schedule)
	if err != nil {
		return TrainingResult{}, err
	}

	logger := l.logger.With().Str("run_id", cfg.RunID).Logger()
	rng := rand.New(rand.NewSource(cfg.Seed))
	sampler := diffusion.Sampler{Schedule: sched, Steps: cfg.SampleSteps, Eta: cfg.Eta}

	if err := l.ensureRun(ctx, cfg); err != nil {
		return TrainingResult{}, err
	}

	result := TrainingResult{RunID: cfg.RunID}

	// Resume after the latest durable checkpoint, or bootstrap from the
	// fitted Gaussian when none exists.
	startLap := 0
	var prev diffusion.Model
	var network *nn.UNet

	latest, ok, err := l.store.LatestCheckpoint(ctx, cfg.RunID)
	if err != nil {
		return TrainingResult{}, err
	}
	if ok {
		startLap = latest.Lap + 1
		restored, err := DenoiserFromCheckpoint(latest, rng)
		if err != nil {
			return TrainingResult{}, err
		}
		prev = restored
		network, err = l.continuedNetwork(latest, rng)
		if err != nil {
			return TrainingResult{}, err
		}
		logger.Info().Int("lap", latest.Lap).Msg("resuming after checkpoint")
	} else {
		fit, fitErr := moments.Fit(rng, moments.Config{
			Dim:      dim,
			Rank:     cfg.Rank,
			SigmaY:   cfg.SigmaY,
			Steps:    cfg.MomentSteps,
			MaxIter:  cfg.MomentMaxIter,
			Tol:      cfg.MomentTol,
			Workers:  cfg.Workers,
			Schedule: sched,
		}, obs.Y, obs.Ops)
		if fitErr != nil && !errors.Is(fitErr, moments.ErrConvergenceFailure) {
			return TrainingResult{}, fitErr
		}
		if errors.Is(fitErr, moments.ErrConvergenceFailure) {
			logger.Warn().Int("iters", fit.Iters).Msg("moment fitting stopped before convergence, using best estimate")
		}
		result.Moments = &stats.MomentRecord{
			Dim:      dim,
			Rank:     cfg.Rank,
			Var:      fit.Var,
			Iters:    fit.Iters,
			Mu:       fit.Mu,
			Converge: fitErr == nil,
		}
		baseline, err := diffusion.NewGaussianDenoiser(fit.Mu, fit.Var, fit.Factors, sched)
		if err != nil {
			return TrainingResult{}, err
		}
		prev = baseline
		logger.Info().Int("iters", fit.Iters).Float64("var", fit.Var).Msg("moments fitted")
	}

	evalObs := obs.Head(cfg.EvalSize)

	for lap := startLap; lap < cfg.Laps; lap++ {
		lapLogger := logger.With().Int("lap", lap).Logger()

		total := cfg.TrainSize + cfg.TestSize
		generated, err := l.generate(ctx, cfg, prev, sampler, obs, total)
		if err != nil {
			return result, err
		}
		trainSet := &dataset.Signals{X: generated[:cfg.TrainSize], Height: cfg.Height, Width: cfg.Width, Channels: cfg.Channels}
		testSet := &dataset.Signals{X: generated[cfg.TrainSize:], Height: cfg.Height, Width: cfg.Width, Channels: cfg.Channels}
		mu := trainSet.Mean()

		if network == nil {
			network, err = nn.NewUNet(cfg.Arch, rng)
			if err != nil {
				return result, err
			}
			lapLogger.Info().Int("params", network.NumParams()).Msg("fresh backbone")
		}
		denoiser := diffusion.NewDenoiser(network, sched, cfg.Height, cfg.Width, cfg.Channels)
		denoiser, err = denoiser.WithBaseline(mu)
		if err != nil {
			return result, err
		}

		sink := func(r train.Report) {
			if len(r.Samples) == 0 {
				return
			}
			result.Samples = append(result.Samples, stats.SampleGrid{
				Lap:      lap,
				Height:   cfg.Height,
				Width:    cfg.Width,
				Channels: cfg.Channels,
				Samples:  r.Samples,
			})
		}
		out, err := train.Run(ctx, lapLogger, cfg.Train, denoiser, trainSet, testSet, evalObs, sampler, rng, sink)
		if err != nil {
			return result, err
		}

		cp, err := l.checkpoint(cfg, lap, mu, network, out)
		if err != nil {
			return result, err
		}
		if err := l.commit(ctx, cp); err != nil {
			return result, err
		}
		lapLogger.Info().Msg("checkpoint committed")

		hist := stats.LapHistory{Lap: lap, Losses: out.Losses}
		if n := len(out.Losses); n > 0 {
			hist.FinalLoss = out.Losses[n-1]
		}
		// Validation is skipped (NaN) when the test set cannot fill a batch;
		// NaN must not reach the JSON artifacts.
		if n := len(out.ValLosses); n > 0 && !math.IsNaN(out.ValLosses[n-1]) {
			hist.ValLosses = out.ValLosses
			hist.FinalVal = out.ValLosses[n-1]
			result.FinalValLoss = out.ValLosses[n-1]
		}
		result.Laps = append(result.Laps, hist)

		prev, err = DenoiserFromCheckpoint(cp, rng)
		if err != nil {
			return result, err
		}
	}

	if l.artifactsDir != "" && len(result.Laps) > 0 {
		if err := l.writeArtifacts(cfg, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// StartTraining runs the pipeline as a supervised background job keyed by
// run ID. WaitTraining blocks for its completion.
func (l *Lab) StartTraining(cfg TrainingConfig, obs *dataset.Observations) (string, error) {
	if err := cfg.normalize(); err != nil {
		return "", err
	}
	err := l.jobs.Start(cfg.RunID, func(ctx context.Context) error {
		_, err := l.RunTraining(ctx, cfg, obs)
		return err
	})
	if err != nil {
		return "", err
	}
	return cfg.RunID, nil
}

func (l *Lab) WaitTraining(runID string) error { return l.jobs.Wait(runID) }

func (l *Lab) CancelTraining(runID string) error { return l.jobs.Cancel(runID) }

func (l *Lab) Jobs() []JobStatus { return l.jobs.Statuses() }

// SamplePosterior draws n posterior samples conditioned on (y, op, sigmaY)
// using the latest checkpoint of the run.
func (l *Lab) SamplePosterior(ctx context.Context, runID string, y []float64, op measurement.Operator, sigmaY float64, steps, n int, seed int64) ([][]float64, error) {
	if !l.Started() {
		return nil, fmt.Errorf("lab is not initialized")
	}
	cp, ok, err := l.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lab: run %s has no checkpoints", runID)
	}
	rng := rand.New(rand.NewSource(seed))
	d, err := DenoiserFromCheckpoint(cp, rng)
	if err != nil {
		return nil, err
	}
	sched, err := diffusion.ScheduleByName(cp.Schedule)
	if err != nil {
		return nil, err
	}
	if steps < 1 {
		steps = 64
	}
	sampler := diffusion.Sampler{Schedule: sched, Steps: steps}
	if n < 1 {
		n = 1
	}
	samples := make([][]float64, n)
	for i := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		samples[i], err = sampler.Sample(rng, d, y, op, sigmaY)
		if err != nil {
			return nil, err
		}
	}
	return samples, nil
}

func (l *Lab) ensureRun(ctx context.Context, cfg TrainingConfig) error {
	_, ok, err := l.store.GetRun(ctx, cfg.RunID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	run := model.Run{
		VersionedRecord: storage.Stamp(),
		ID:              cfg.RunID,
		CreatedUnix:     time.Now().Unix(),
		Height:          cfg.Height,
		Width:           cfg.Width,
		Channels:        cfg.Channels,
		Laps:            cfg.Laps,
		Seed:            cfg.Seed,
	}
	return l.store.SaveRun(ctx, run)
}

// continuedNetwork seeds further optimization from the raw (non-averaged)
// parameters of the latest checkpoint.
func (l *Lab) continuedNetwork(cp model.Checkpoint, rng *rand.Rand) (*nn.UNet, error) {
	network, err := nn.NewUNet(ConfigFromArch(cp.Arch), rng)
	if err != nil {
		return nil, err
	}
	if err := ApplyParams(network.Leaves(), cp.Params); err != nil {
		return nil, err
	}
	return network, nil
}

// generate draws n posterior samples with the previous lap's model, cycling
// through the observations. Items fan out across the worker pool with
// deterministic per-item seeds.
func (l *Lab) generate(ctx context.Context, cfg TrainingConfig, m diffusion.Model, sampler diffusion.Sampler, obs *dataset.Observations, n int) ([][]float64, error) {
	samples := make([][]float64, n)
	errs := make([]error, n)
	seeds := make([]int64, n)
	base := rand.New(rand.NewSource(cfg.Seed ^ 0x67e6c7))
	for i := range seeds {
		seeds[i] = base.Int63()
	}

	workers := cfg.Workers
	if workers > n {
		workers = n
	}
	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				k := i % obs.Len()
				itemRNG := rand.New(rand.NewSource(seeds[i]))
				samples[i], errs[i] = sampler.Sample(itemRNG, m, obs.Y[k], obs.Ops[k], cfg.SigmaY)
			}
		}()
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			close(jobs)
			wg.Wait()
			return nil, err
		}
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

func (l *Lab) checkpoint(cfg TrainingConfig, lap int, mu []float64, network *nn.UNet, out train.Output) (model.Checkpoint, error) {
	leaves := network.Leaves()
	params, err := ParamsFromLeaves(leaves, out.Params)
	if err != nil {
		return model.Checkpoint{}, err
	}
	ema, err := ParamsFromLeaves(leaves, out.EMA)
	if err != nil {
		return model.Checkpoint{}, err
	}
	return model.Checkpoint{
		VersionedRecord: storage.Stamp(),
		RunID:           cfg.RunID,
		Lap:             lap,
		Schedule:        cfg.Schedule,
		Height:          cfg.Height,
		Width:           cfg.Width,
		Channels:        cfg.Channels,
		Arch:            ArchFromConfig(cfg.Arch),
		MuX:             append([]float64(nil), mu...),
		Params:          params,
		EMA:             ema,
		Losses:          out.Losses,
		ValLosses:       out.ValLosses,
	}, nil
}

// commit persists the lap checkpoint and reads it back before the next lap
// may start. The store rejects overwrites, so a committed lap is terminal.
func (l *Lab) commit(ctx context.Context, cp model.Checkpoint) error {
	if err := l.store.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	_, ok, err := l.store.GetCheckpoint(ctx, cp.RunID, cp.Lap)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("lab: checkpoint for run %s lap %d not durable after save", cp.RunID, cp.Lap)
	}
	return nil
}

func (l *Lab) writeArtifacts(cfg TrainingConfig, result TrainingResult) error {
	artifacts := stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:       cfg.RunID,
			Height:      cfg.Height,
			Width:       cfg.Width,
			Channels:    cfg.Channels,
			Schedule:    cfg.Schedule,
			Laps:        cfg.Laps,
			Epochs:      cfg.Train.Epochs,
			BatchSize:   cfg.Train.BatchSize,
			LR:          cfg.Train.LR,
			LREnd:       cfg.Train.LREnd,
			Scheduler:   cfg.Train.Scheduler,
			Clip:        cfg.Train.Clip,
			EMADecay:    cfg.Train.EMADecay,
			SigmaY:      cfg.SigmaY,
			SampleSteps: cfg.SampleSteps,
			Eta:         cfg.Eta,
			Rank:        cfg.Rank,
			TrainSize:   cfg.TrainSize,
			TestSize:    cfg.TestSize,
			Seed:        cfg.Seed,
			Workers:     cfg.Workers,
		},
		Laps:         result.Laps,
		Moments:      result.Moments,
		Samples:      result.Samples,
		FinalValLoss: result.FinalValLoss,
	}
	runDir, err := stats.WriteRunArtifacts(l.artifactsDir, artifacts)
	if err != nil {
		return err
	}
	if err := stats.WriteLossSeries(runDir, result.Laps); err != nil {
		return err
	}
	return stats.AppendRunIndex(l.artifactsDir, stats.RunIndexEntry{
		RunID:        cfg.RunID,
		Schedule:     cfg.Schedule,
		Laps:         cfg.Laps,
		Epochs:       cfg.Train.Epochs,
		Seed:         cfg.Seed,
		Workers:      cfg.Workers,
		FinalValLoss: result.FinalValLoss,
		CreatedAtUTC: time.Now().UTC().Format(time.RFC3339),
	})
}
