package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"

	"reservoir/internal/model"
	"reservoir/internal/platform"
	"reservoir/internal/reservoir"
	"reservoir/internal/stats"
)

// Runner executes a plan point by point on a lab. Each point is a complete
// experiment: simulate and train on the training corpus, then simulate,
// decode and score the test corpus.
type Runner[T constraints.Float] struct {
	Lab *platform.Lab
	// TableDir receives the tab-separated result table.
	TableDir     string
	TablePattern string
	Logger       logrus.FieldLogger
}

type Summary struct {
	ID        string
	Status    string
	TablePath string
	Rows      []stats.SweepRow
}

// Run evaluates every point of plan with the settings of template. A failed
// point is recorded and the sweep moves on; an aborted point ends the sweep.
func (r *Runner[T]) Run(ctx context.Context, plan Plan, template platform.ExperimentConfig) (Summary, error) {
	if r.Lab == nil {
		return Summary{}, fmt.Errorf("lab is required")
	}
	logger := r.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	points, err := plan.Points()
	if err != nil {
		return Summary{}, err
	}

	started := time.Now().UTC()
	table, err := stats.CreateSweepTable(r.TableDir, r.TablePattern, started, plan.Params())
	if err != nil {
		return Summary{}, fmt.Errorf("create sweep table: %w", err)
	}
	defer table.Close()

	summary := Summary{ID: uuid.NewString(), Status: stats.SweepInProgress, TablePath: table.Path()}
	exp := stats.SweepExperiment{
		ID:           summary.ID,
		ProgressFlag: stats.SweepInProgress,
		TotalPoints:  len(points),
		Parameters:   plan.Params(),
		StartedAtUTC: started.Format(time.RFC3339),
		TablePath:    table.Path(),
	}
	if err := r.writeExperiment(exp); err != nil {
		return summary, err
	}
	logger = logger.WithField("sweep_id", summary.ID)
	logger.WithFields(logrus.Fields{"points": len(points), "table": table.Path()}).Info("sweep started")

	var runErr error
	for _, point := range points {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("%w before point %d: %v", reservoir.ErrAborted, point.Index, err)
			break
		}
		cfg := template
		cfg.RunID = ""
		cfg.Reservoir = point.Config
		res, err := platform.RunExperiment[T](ctx, r.Lab, cfg)
		if res.Record.ID == "" {
			// The lab rejected the point before a run record existed.
			return summary, err
		}

		row := stats.SweepRow{
			Point:        point.Index,
			RunID:        res.Record.ID,
			Values:       point.Values,
			Status:       string(res.Record.Status),
			TrainMSE:     res.Record.Metrics.TrainMSE,
			TestNRMSE:    res.Record.Metrics.TestNRMSE,
			TokenAcc:     res.Record.Metrics.TokenAccuracy,
			SentenceAcc:  res.Record.Metrics.SentenceAccuracy,
			TrainSeconds: res.Record.TrainSeconds,
			TestSeconds:  res.Record.TestSeconds,
		}
		if appendErr := table.Append(row); appendErr != nil {
			return summary, fmt.Errorf("append sweep row: %w", appendErr)
		}
		summary.Rows = append(summary.Rows, row)
		exp.PointIndex = point.Index + 1
		exp.RunIDs = append(exp.RunIDs, res.Record.ID)

		if err != nil {
			if errors.Is(err, reservoir.ErrAborted) {
				runErr = err
				break
			}
			exp.Failures = append(exp.Failures, fmt.Sprintf("point %d: %v", point.Index, err))
			logger.WithError(err).WithField("point", point.Index).Warn("sweep point failed")
		}
		if err := r.writeExperiment(exp); err != nil {
			return summary, err
		}
	}

	summary.Status = stats.SweepCompleted
	if runErr != nil {
		summary.Status = stats.SweepAborted
	}
	exp.ProgressFlag = summary.Status
	exp.CompletedAtUTC = time.Now().UTC().Format(time.RFC3339)
	if err := r.writeExperiment(exp); err != nil {
		return summary, err
	}
	logger.WithFields(logrus.Fields{
		"status": summary.Status,
		"rows":   len(summary.Rows),
	}).Info("sweep finished")
	return summary, runErr
}

func (r *Runner[T]) writeExperiment(exp stats.SweepExperiment) error {
	dir := r.Lab.ResultsDir()
	if dir == "" {
		return nil
	}
	if err := stats.WriteSweepExperiment(dir, exp); err != nil {
		return fmt.Errorf("write sweep record: %w", err)
	}
	return nil
}

// Completed reports whether row's run finished.
func Completed(row stats.SweepRow) bool {
	return row.Status == string(model.RunCompleted)
}
