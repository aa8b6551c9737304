package storage

import (
	"context"

	"reservoir/internal/model"
)

// Store persists run summaries and trained readouts.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	// ListRuns returns runs ordered by start time, newest first.
	ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error)
	SaveReadout(ctx context.Context, readout model.ReadoutRecord) error
	GetReadout(ctx context.Context, runID string) (model.ReadoutRecord, bool, error)
}
