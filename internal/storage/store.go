package storage

import (
	"context"
	"errors"

	"scoreprior/internal/model"
)

// ErrCheckpointExists enforces write-once checkpoints: a (run, lap) snapshot
// is terminal and can never be overwritten.
var ErrCheckpointExists = errors.New("storage: checkpoint already exists")

// Store defines persistence operations for runs and lap checkpoints.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id string) (model.Run, bool, error)
	ListRuns(ctx context.Context) ([]model.Run, error)
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	GetCheckpoint(ctx context.Context, runID string, lap int) (model.Checkpoint, bool, error)
	LatestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error)
	ListCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error)
}
