// Package scoreprior is the public face of the training and sampling
// pipeline: a Client wrapping the store, the lab orchestrator and the
// artifact layout.
package scoreprior

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"scoreprior/internal/dataextract"
	"scoreprior/internal/dataset"
	"scoreprior/internal/measurement"
	"scoreprior/internal/nn"
	"scoreprior/internal/platform"
	"scoreprior/internal/stats"
	"scoreprior/internal/storage"
	"scoreprior/internal/train"
)

const (
	defaultArtifactsDir = "artifacts"
	defaultExportsDir   = "exports"
	defaultDBPath       = "scoreprior.db"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *zerolog.Logger
}

type Client struct {
	store storage.Store
	lab   *platform.Lab

	artifactsDir string
	exportsDir   string
	logger       zerolog.Logger
}

type RunRequest struct {
	RunID    string
	Height   int
	Width    int
	Channels int
	Schedule string
	Laps     int

	// Observations may be given directly or loaded from CSV.
	Observations     *dataset.Observations
	ObservationsPath string

	HidChannels []int
	HidBlocks   []int
	KernelSize  [2]int
	EmbFeatures int
	Heads       map[int]int
	Dropout     float64

	Rank          int
	SigmaY        float64
	MomentSteps   int
	MomentMaxIter int
	MomentTol     float64

	SampleSteps int
	Eta         float64
	TrainSize   int
	TestSize    int

	Epochs    int
	BatchSize int
	LR        float64
	LREnd     float64
	Scheduler string
	Clip      float64
	EMADecay  float64
	EvalEvery int

	Seed    int64
	Workers int
}

type LapSummary struct {
	Lap       int
	FinalLoss float64
	FinalVal  float64
}

type RunSummary struct {
	RunID        string
	ArtifactsDir string
	Laps         []LapSummary
	FinalValLoss float64
	MomentIters  int
}

type SampleRequest struct {
	RunID  string
	Latest bool

	Y           []float64
	KeepIndices []int
	SigmaY      float64

	Steps int
	Count int
	Seed  int64
}

type SampleSummary struct {
	RunID   string
	Samples [][]float64
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Height       int
	Width        int
	Channels     int
	Laps         int
	Seed         int64
	DoneLaps     int
}

type CheckpointItem struct {
	Lap       int
	Schedule  string
	Params    int
	FinalLoss float64
	FinalVal  float64
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Client{
		store:        store,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
		logger:       logger,
	}, nil
}

func (c *Client) Close() error {
	if c.lab != nil {
		if err := c.lab.Stop(); err != nil {
			return err
		}
	}
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	_, err := c.ensureLab(ctx)
	return err
}

func (c *Client) ensureLab(ctx context.Context) (*platform.Lab, error) {
	if c.lab != nil && c.lab.Started() {
		return c.lab, nil
	}
	lab := platform.NewLab(platform.Config{
		Store:        c.store,
		ArtifactsDir: c.artifactsDir,
		Logger:       c.logger,
	})
	if err := lab.Init(ctx); err != nil {
		return nil, err
	}
	c.lab = lab
	return lab, nil
}

// Run executes the full multi-lap pipeline and blocks until it finishes.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if req.Height <= 0 {
		req.Height = 8
	}
	if req.Width <= 0 {
		req.Width = 8
	}
	if req.Channels <= 0 {
		req.Channels = 1
	}
	if req.Schedule == "" {
		req.Schedule = "vp"
	}
	if req.Laps <= 0 {
		req.Laps = 1
	}
	if len(req.HidChannels) == 0 {
		req.HidChannels = []int{16, 32}
	}
	if len(req.HidBlocks) == 0 {
		req.HidBlocks = make([]int, len(req.HidChannels))
		for i := range req.HidBlocks {
			req.HidBlocks[i] = 1
		}
	}
	if req.KernelSize == ([2]int{}) {
		req.KernelSize = [2]int{3, 3}
	}
	if req.EmbFeatures <= 0 {
		req.EmbFeatures = 16
	}
	if req.Rank <= 0 {
		req.Rank = 1
	}
	if req.SigmaY <= 0 {
		req.SigmaY = 0.01
	}
	if req.SampleSteps <= 0 {
		req.SampleSteps = 64
	}
	if req.TrainSize <= 0 {
		req.TrainSize = 256
	}
	if req.TestSize <= 0 {
		req.TestSize = 64
	}
	if req.Epochs <= 0 {
		req.Epochs = 8
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 32
	}
	if req.LR <= 0 {
		req.LR = 1e-3
	}
	if req.Clip <= 0 {
		req.Clip = 10
	}
	if req.EMADecay <= 0 {
		req.EMADecay = 0.999
	}
	if req.Workers <= 0 {
		req.Workers = 4
	}

	obs := req.Observations
	if obs == nil {
		if req.ObservationsPath == "" {
			return RunSummary{}, errors.New("observations or an observations csv path are required")
		}
		file, err := os.Open(req.ObservationsPath)
		if err != nil {
			return RunSummary{}, err
		}
		obs, err = dataextract.ReadObservationsCSV(file)
		file.Close()
		if err != nil {
			return RunSummary{}, err
		}
	}

	lab, err := c.ensureLab(ctx)
	if err != nil {
		return RunSummary{}, err
	}

	cfg := platform.TrainingConfig{
		RunID:    req.RunID,
		Height:   req.Height,
		Width:    req.Width,
		Channels: req.Channels,
		Schedule: req.Schedule,
		Laps:     req.Laps,
		Arch: nn.Config{
			InChannels:  req.Channels,
			OutChannels: req.Channels,
			HidChannels: req.HidChannels,
			HidBlocks:   req.HidBlocks,
			KernelSize:  req.KernelSize,
			EmbFeatures: req.EmbFeatures,
			Heads:       req.Heads,
			Dropout:     req.Dropout,
		},
		Rank:          req.Rank,
		SigmaY:        req.SigmaY,
		MomentSteps:   req.MomentSteps,
		MomentMaxIter: req.MomentMaxIter,
		MomentTol:     req.MomentTol,
		SampleSteps:   req.SampleSteps,
		Eta:           req.Eta,
		TrainSize:     req.TrainSize,
		TestSize:      req.TestSize,
		Train: train.Config{
			Epochs:    req.Epochs,
			BatchSize: req.BatchSize,
			LR:        req.LR,
			LREnd:     req.LREnd,
			Scheduler: req.Scheduler,
			Clip:      req.Clip,
			EMADecay:  req.EMADecay,
			Weighting: "t",
			Workers:   req.Workers,
			EvalEvery: req.EvalEvery,
			SigmaY:    req.SigmaY,
		},
		Seed:    req.Seed,
		Workers: req.Workers,
	}

	result, err := lab.RunTraining(ctx, cfg, obs)
	if err != nil {
		return RunSummary{}, err
	}

	summary := RunSummary{
		RunID:        result.RunID,
		ArtifactsDir: c.artifactsDir,
		FinalValLoss: result.FinalValLoss,
	}
	if result.Moments != nil {
		summary.MomentIters = result.Moments.Iters
	}
	for _, lap := range result.Laps {
		summary.Laps = append(summary.Laps, LapSummary{Lap: lap.Lap, FinalLoss: lap.FinalLoss, FinalVal: lap.FinalVal})
	}
	return summary, nil
}

// Sample draws posterior samples from a trained run. Nil KeepIndices means
// unconditional sampling; otherwise the observation y must carry one value
// per kept index.
func (c *Client) Sample(ctx context.Context, req SampleRequest) (SampleSummary, error) {
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return SampleSummary{}, err
	}
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return SampleSummary{}, err
	}

	cp, ok, err := c.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return SampleSummary{}, err
	}
	if !ok {
		return SampleSummary{}, fmt.Errorf("run %s has no checkpoints", runID)
	}
	dim := cp.Height * cp.Width * cp.Channels

	var op measurement.Operator
	var y []float64
	if len(req.KeepIndices) > 0 {
		mask := measurement.Mask{Dim: dim, Indices: req.KeepIndices}
		if len(req.Y) != mask.OutDim() {
			return SampleSummary{}, fmt.Errorf("observation has %d values for %d kept indices", len(req.Y), mask.OutDim())
		}
		op = mask
		y = req.Y
	} else if len(req.Y) > 0 {
		if len(req.Y) != dim {
			return SampleSummary{}, fmt.Errorf("full observation has %d values, signal dim is %d", len(req.Y), dim)
		}
		op = measurement.Identity{Dim: dim}
		y = req.Y
	}

	samples, err := lab.SamplePosterior(ctx, runID, y, op, req.SigmaY, req.Steps, req.Count, req.Seed)
	if err != nil {
		return SampleSummary{}, err
	}
	return SampleSummary{RunID: runID, Samples: samples}, nil
}

// Runs lists stored runs, newest last, with the number of durable laps.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if _, err := c.ensureLab(ctx); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(runs) > req.Limit {
		runs = runs[len(runs)-req.Limit:]
	}

	items := make([]RunItem, 0, len(runs))
	for _, run := range runs {
		cps, err := c.store.ListCheckpoints(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, RunItem{
			RunID:        run.ID,
			CreatedAtUTC: time.Unix(run.CreatedUnix, 0).UTC().Format(time.RFC3339),
			Height:       run.Height,
			Width:        run.Width,
			Channels:     run.Channels,
			Laps:         run.Laps,
			Seed:         run.Seed,
			DoneLaps:     len(cps),
		})
	}
	return items, nil
}

// Checkpoints lists a run's durable laps in order.
func (c *Client) Checkpoints(ctx context.Context, runID string, latest bool) ([]CheckpointItem, error) {
	if _, err := c.ensureLab(ctx); err != nil {
		return nil, err
	}
	runID, err := c.resolveRunID(ctx, runID, latest)
	if err != nil {
		return nil, err
	}
	cps, err := c.store.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, err
	}

	items := make([]CheckpointItem, 0, len(cps))
	for _, cp := range cps {
		item := CheckpointItem{Lap: cp.Lap, Schedule: cp.Schedule}
		for _, p := range cp.Params {
			item.Params += len(p.Values)
		}
		if n := len(cp.Losses); n > 0 {
			item.FinalLoss = cp.Losses[n-1]
		}
		if n := len(cp.ValLosses); n > 0 {
			item.FinalVal = cp.ValLosses[n-1]
		}
		items = append(items, item)
	}
	return items, nil
}

// Export copies a run's artifact files into the exports directory.
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}
	outDir := req.OutDir
	if outDir == "" {
		outDir = c.exportsDir
	}
	dir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, outDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: dir}, nil
}

func (c *Client) resolveRunID(ctx context.Context, runID string, latest bool) (string, error) {
	if runID != "" {
		return runID, nil
	}
	if !latest {
		return "", errors.New("a run id or --latest is required")
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", errors.New("no runs stored")
	}
	return runs[len(runs)-1].ID, nil
}
