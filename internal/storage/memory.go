package storage

import (
	"context"
	"sort"
	"sync"

	"scoreprior/internal/model"
)

type ckptKey struct {
	runID string
	lap   int
}

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.Run
	checkpoints map[ckptKey][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.Run)
	s.checkpoints = make(map[ckptKey][]byte)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedUnix < runs[j].CreatedUnix })
	return runs, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ckptKey{runID: cp.RunID, lap: cp.Lap}
	if _, ok := s.checkpoints[key]; ok {
		return ErrCheckpointExists
	}
	payload, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	s.checkpoints[key] = payload
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, runID string, lap int) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok := s.checkpoints[ckptKey{runID: runID, lap: lap}]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	cp, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, runID string) ([]model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	laps := make([]int, 0)
	for key := range s.checkpoints {
		if key.runID == runID {
			laps = append(laps, key.lap)
		}
	}
	sort.Ints(laps)

	cps := make([]model.Checkpoint, 0, len(laps))
	for _, lap := range laps {
		cp, err := DecodeCheckpoint(s.checkpoints[ckptKey{runID: runID, lap: lap}])
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, nil
}

func (s *MemoryStore) LatestCheckpoint(_ context.Context, runID string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := -1
	for key := range s.checkpoints {
		if key.runID == runID && key.lap > best {
			best = key.lap
		}
	}
	if best < 0 {
		return model.Checkpoint{}, false, nil
	}
	payload := s.checkpoints[ckptKey{runID: runID, lap: best}]
	cp, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	return cp, true, nil
}
