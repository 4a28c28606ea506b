package scoreprior

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"scoreprior/internal/dataset"
	"scoreprior/internal/measurement"
)

func testObservations(t *testing.T, dim, n int) *dataset.Observations {
	t.Helper()
	rng := rand.New(rand.NewSource(21))
	obs := &dataset.Observations{}
	for i := 0; i < n; i++ {
		y := make([]float64, dim)
		for j := range y {
			y[j] = 0.5 + 0.2*rng.NormFloat64()
		}
		obs.Y = append(obs.Y, y)
		obs.Ops = append(obs.Ops, measurement.Identity{Dim: dim})
	}
	return obs
}

func tinyRunRequest(obs *dataset.Observations) RunRequest {
	return RunRequest{
		RunID:         "run-api-test",
		Height:        2,
		Width:         2,
		Channels:      1,
		Laps:          1,
		Observations:  obs,
		HidChannels:   []int{4},
		HidBlocks:     []int{1},
		EmbFeatures:   4,
		Rank:          1,
		SigmaY:        0.05,
		MomentSteps:   2,
		MomentMaxIter: 2,
		MomentTol:     0.5,
		SampleSteps:   2,
		TrainSize:     4,
		TestSize:      2,
		Epochs:        1,
		BatchSize:     2,
		EMADecay:      0.9,
		Seed:          13,
		Workers:       2,
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(Options{
		StoreKind:    "memory",
		ArtifactsDir: filepath.Join(t.TempDir(), "artifacts"),
		ExportsDir:   filepath.Join(t.TempDir(), "exports"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, client.Close()) })
	return client
}

func TestClientRunAndInspect(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	require.NoError(t, client.Init(ctx))

	obs := testObservations(t, 4, 6)
	summary, err := client.Run(ctx, tinyRunRequest(obs))
	require.NoError(t, err)
	require.Equal(t, "run-api-test", summary.RunID)
	require.Len(t, summary.Laps, 1)
	require.Positive(t, summary.MomentIters)

	runs, err := client.Runs(ctx, RunsRequest{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "run-api-test", runs[0].RunID)
	require.Equal(t, 1, runs[0].DoneLaps)

	cps, err := client.Checkpoints(ctx, "", true)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, 0, cps[0].Lap)
	require.Positive(t, cps[0].Params)
}

func TestClientSample(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	obs := testObservations(t, 4, 6)
	_, err := client.Run(ctx, tinyRunRequest(obs))
	require.NoError(t, err)

	// Conditioned on the first two coordinates.
	result, err := client.Sample(ctx, SampleRequest{
		Latest:      true,
		Y:           []float64{0.4, 0.6},
		KeepIndices: []int{0, 1},
		SigmaY:      0.05,
		Steps:       2,
		Count:       2,
		Seed:        3,
	})
	require.NoError(t, err)
	require.Len(t, result.Samples, 2)
	for _, sample := range result.Samples {
		require.Len(t, sample, 4)
	}

	// Unconditional.
	result, err = client.Sample(ctx, SampleRequest{Latest: true, Steps: 2, Count: 1, Seed: 4})
	require.NoError(t, err)
	require.Len(t, result.Samples, 1)
}

func TestClientExport(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	obs := testObservations(t, 4, 6)
	_, err := client.Run(ctx, tinyRunRequest(obs))
	require.NoError(t, err)

	summary, err := client.Export(ctx, ExportRequest{Latest: true})
	require.NoError(t, err)
	require.Equal(t, "run-api-test", summary.RunID)
	require.DirExists(t, summary.Directory)
}

func TestClientSampleRejectsBadObservation(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	obs := testObservations(t, 4, 6)
	_, err := client.Run(ctx, tinyRunRequest(obs))
	require.NoError(t, err)

	_, err = client.Sample(ctx, SampleRequest{
		Latest:      true,
		Y:           []float64{0.4},
		KeepIndices: []int{0, 1},
		Steps:       2,
		Count:       1,
	})
	require.Error(t, err)
}
