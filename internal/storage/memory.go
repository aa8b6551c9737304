package storage

import (
	"context"
	"errors"
	"sync"

	"reservoir/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	readouts    map[string]model.ReadoutRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.readouts = make(map[string]model.ReadoutRecord)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]model.RunRecord, error) {
	s.mu.RLock()
	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sortRunsNewestFirst(runs)
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) SaveReadout(_ context.Context, readout model.ReadoutRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	readout.Data = append([]float64(nil), readout.Data...)
	s.readouts[readout.RunID] = readout
	return nil
}

func (s *MemoryStore) GetReadout(_ context.Context, runID string) (model.ReadoutRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	readout, ok := s.readouts[runID]
	if !ok {
		return model.ReadoutRecord{}, false, nil
	}
	readout.Data = append([]float64(nil), readout.Data...)
	return readout, true, nil
}
