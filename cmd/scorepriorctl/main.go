package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"scoreprior/internal/dataextract"
	"scoreprior/internal/dataset"
	"scoreprior/internal/diffusion"
	"scoreprior/internal/measurement"
	"scoreprior/internal/moments"
	"scoreprior/internal/storage"
	scoreapi "scoreprior/pkg/scoreprior"
)

const (
	artifactsDir = "artifacts"
	exportsDir   = "exports"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "fit":
		return runFit(ctx, args[1:])
	case "train":
		return runTrain(ctx, args[1:])
	case "sample":
		return runSample(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "checkpoints":
		return runCheckpoints(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func newLogger(quiet bool) zerolog.Logger {
	if quiet {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func newClient(storeKind, dbPath, artifacts string, quiet bool) (*scoreapi.Client, error) {
	logger := newLogger(quiet)
	if artifacts == "" {
		artifacts = artifactsDir
	}
	return scoreapi.New(scoreapi.Options{
		StoreKind:    storeKind,
		DBPath:       dbPath,
		ArtifactsDir: artifacts,
		ExportsDir:   exportsDir,
		Logger:       &logger,
	})
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "scoreprior.db", "sqlite database path")
	dataDir := fs.String("data-dir", "data", "directory for generated dataset csv files")
	count := fs.Int("count", 128, "number of synthetic signals")
	height := fs.Int("height", 8, "signal height")
	width := fs.Int("width", 8, "signal width")
	channels := fs.Int("channels", 1, "signal channels")
	rank := fs.Int("rank", 2, "covariance rank of the synthetic ground truth")
	variance := fs.Float64("var", 0.05, "isotropic variance of the synthetic ground truth")
	mask := fs.String("mask", "half", "operator spec: identity|half|random:<keep>|band:<r>")
	sigmaY := fs.Float64("sigma-y", 0.01, "measurement noise level")
	seed := fs.Int64("seed", 0, "generation seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := storage.NewStore(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}

	paths, err := dataextract.WriteDatasetFiles(*dataDir, dataextract.GenerateOptions{
		Count:    *count,
		Height:   *height,
		Width:    *width,
		Channels: *channels,
		Rank:     *rank,
		Var:      *variance,
		Seed:     *seed,
	}, *mask, *sigmaY)
	if err != nil {
		return err
	}

	fmt.Printf("initialized store=%s\n", *storeKind)
	for _, path := range paths {
		fmt.Printf("wrote %s\n", path)
	}
	return nil
}

func runFit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fit", flag.ContinueOnError)
	obsPath := fs.String("observations", "data/observations.csv", "observations csv path")
	height := fs.Int("height", 8, "signal height")
	width := fs.Int("width", 8, "signal width")
	channels := fs.Int("channels", 1, "signal channels")
	rank := fs.Int("rank", 2, "fitted covariance rank")
	sigmaY := fs.Float64("sigma-y", 0.01, "measurement noise level")
	steps := fs.Int("steps", 16, "sampler steps per posterior draw")
	maxIter := fs.Int("maxiter", 16, "iteration budget")
	tol := fs.Float64("tol", 1e-3, "convergence tolerance on the mean shift")
	workers := fs.Int("workers", 4, "posterior sampling workers")
	schedule := fs.String("schedule", "vp", "noise schedule: vp|cosine")
	seed := fs.Int64("seed", 0, "fitting seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	obs, err := readObservations(*obsPath)
	if err != nil {
		return err
	}
	dim := *height * *width * *channels
	if err := obs.Validate(dim); err != nil {
		return err
	}
	sched, err := diffusion.ScheduleByName(*schedule)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(*seed))
	result, err := moments.Fit(rng, moments.Config{
		Dim:      dim,
		Rank:     *rank,
		SigmaY:   *sigmaY,
		Steps:    *steps,
		MaxIter:  *maxIter,
		Tol:      *tol,
		Workers:  *workers,
		Schedule: sched,
	}, obs.Y, obs.Ops)
	if err != nil && !errors.Is(err, moments.ErrConvergenceFailure) {
		return err
	}
	if errors.Is(err, moments.ErrConvergenceFailure) {
		fmt.Fprintf(os.Stderr, "warning: stopped after %d iterations before convergence\n", result.Iters)
	}

	fmt.Printf("iters=%d var=%.6g\n", result.Iters, result.Var)
	fmt.Printf("mu=%s\n", formatFloats(result.Mu, 8))
	return nil
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	configPath := fs.String("config", "", "json run config (flags override)")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "scoreprior.db", "sqlite database path")
	obsPath := fs.String("observations", "data/observations.csv", "observations csv path")
	runID := fs.String("run-id", "", "run id (resumes after its latest checkpoint)")
	height := fs.Int("height", 0, "signal height")
	width := fs.Int("width", 0, "signal width")
	channels := fs.Int("channels", 0, "signal channels")
	schedule := fs.String("schedule", "", "noise schedule: vp|cosine")
	laps := fs.Int("laps", 0, "self-distillation laps")
	epochs := fs.Int("epochs", 0, "epochs per lap")
	batch := fs.Int("batch", 0, "batch size")
	lr := fs.Float64("lr", 0, "learning rate")
	seed := fs.Int64("seed", 0, "run seed")
	workers := fs.Int("workers", 0, "worker pool size")
	artifacts := fs.String("artifacts", artifactsDir, "run artifacts directory")
	quiet := fs.Bool("quiet", false, "suppress progress logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := scoreapi.RunRequest{}
	if *configPath != "" {
		loaded, err := loadRunRequestFromConfig(*configPath)
		if err != nil {
			return err
		}
		if err := validateConfigShape(loaded); err != nil {
			return err
		}
		req = loaded
	}
	if *runID != "" {
		req.RunID = *runID
	}
	if *height > 0 {
		req.Height = *height
	}
	if *width > 0 {
		req.Width = *width
	}
	if *channels > 0 {
		req.Channels = *channels
	}
	if *schedule != "" {
		req.Schedule = *schedule
	}
	if *laps > 0 {
		req.Laps = *laps
	}
	if *epochs > 0 {
		req.Epochs = *epochs
	}
	if *batch > 0 {
		req.BatchSize = *batch
	}
	if *lr > 0 {
		req.LR = *lr
	}
	if *seed != 0 {
		req.Seed = *seed
	}
	if *workers > 0 {
		req.Workers = *workers
	}
	if req.ObservationsPath == "" {
		req.ObservationsPath = *obsPath
	}

	client, err := newClient(*storeKind, *dbPath, *artifacts, *quiet)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("run=%s laps=%d final_val_loss=%.6g artifacts=%s\n",
		summary.RunID, len(summary.Laps), summary.FinalValLoss, summary.ArtifactsDir)
	for _, lap := range summary.Laps {
		fmt.Printf("  lap=%d loss=%.6g val=%.6g\n", lap.Lap, lap.FinalLoss, lap.FinalVal)
	}
	return nil
}

func runSample(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sample", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "scoreprior.db", "sqlite database path")
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run")
	obsPath := fs.String("observations", "", "observations csv; blank samples unconditionally")
	obsRow := fs.Int("row", 0, "observation row to condition on")
	sigmaY := fs.Float64("sigma-y", 0.01, "measurement noise level")
	steps := fs.Int("steps", 64, "sampler steps")
	count := fs.Int("count", 1, "number of samples")
	seed := fs.Int64("seed", 0, "sampling seed")
	outPath := fs.String("out", "", "write samples csv here instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := scoreapi.SampleRequest{
		RunID:  *runID,
		Latest: *latest,
		SigmaY: *sigmaY,
		Steps:  *steps,
		Count:  *count,
		Seed:   *seed,
	}
	if *obsPath != "" {
		obs, err := readObservations(*obsPath)
		if err != nil {
			return err
		}
		if *obsRow < 0 || *obsRow >= obs.Len() {
			return fmt.Errorf("observation row %d out of [0,%d)", *obsRow, obs.Len())
		}
		req.Y = obs.Y[*obsRow]
		if mask, ok := obs.Ops[*obsRow].(measurement.Mask); ok {
			req.KeepIndices = mask.Indices
		}
	}

	client, err := newClient(*storeKind, *dbPath, "", true)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	result, err := client.Sample(ctx, req)
	if err != nil {
		return err
	}

	out := os.Stdout
	if *outPath != "" {
		file, err := os.Create(*outPath)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}
	writer := csv.NewWriter(out)
	for _, sample := range result.Samples {
		record := make([]string, len(sample))
		for i, v := range sample {
			record[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "scoreprior.db", "sqlite database path")
	limit := fs.Int("limit", 0, "show at most this many runs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*storeKind, *dbPath, "", true)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, scoreapi.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no runs")
		return nil
	}
	for _, item := range items {
		fmt.Printf("%s created=%s shape=%dx%dx%d laps=%d/%d seed=%d\n",
			item.RunID, item.CreatedAtUTC, item.Height, item.Width, item.Channels,
			item.DoneLaps, item.Laps, item.Seed)
	}
	return nil
}

func runCheckpoints(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "scoreprior.db", "sqlite database path")
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*storeKind, *dbPath, "", true)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Checkpoints(ctx, *runID, *latest)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}
	for _, item := range items {
		fmt.Printf("lap=%d schedule=%s params=%d loss=%.6g val=%.6g\n",
			item.Lap, item.Schedule, item.Params, item.FinalLoss, item.FinalVal)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "scoreprior.db", "sqlite database path")
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run")
	artifacts := fs.String("artifacts", artifactsDir, "run artifacts directory")
	outDir := fs.String("out", exportsDir, "export directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*storeKind, *dbPath, *artifacts, true)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Export(ctx, scoreapi.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run=%s to %s\n", summary.RunID, summary.Directory)
	return nil
}

func readObservations(path string) (*dataset.Observations, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return dataextract.ReadObservationsCSV(file)
}

func formatFloats(values []float64, max int) string {
	parts := make([]string, 0, max+1)
	for i, v := range values {
		if i == max {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, strconv.FormatFloat(v, 'g', 4, 64))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: scorepriorctl <init|fit|train|sample|runs|checkpoints|export> [flags]", msg)
}
