// Package platform runs complete reservoir experiments: weights, training,
// testing, decoding, metrics, and persistence of the outcome.
package platform

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"

	"reservoir/internal/corpus"
	"reservoir/internal/decode"
	"reservoir/internal/linalg"
	"reservoir/internal/model"
	"reservoir/internal/reservoir"
	"reservoir/internal/stats"
	"reservoir/internal/storage"
)

var ErrNotStarted = errors.New("lab is not initialized")

type Config struct {
	Store storage.Store
	// ResultsDir receives per-run artifact directories and the run index.
	// Empty disables artifacts.
	ResultsDir string
	Logger     logrus.FieldLogger
}

// Lab owns the run store and the control handles of every run in flight.
// Runs on an exclusive device share one serialized backend per precision.
type Lab struct {
	store      storage.Store
	resultsDir string
	logger     logrus.FieldLogger

	mu       sync.RWMutex
	started  bool
	runs     map[string]*reservoir.Abort
	device32 *linalg.Exclusive[float32]
	device64 *linalg.Exclusive[float64]
}

func NewLab(cfg Config) *Lab {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Lab{
		store:      cfg.Store,
		resultsDir: cfg.ResultsDir,
		logger:     logger,
		runs:       make(map[string]*reservoir.Abort),
		device32:   linalg.NewExclusive[float32](linalg.GonumBackend[float32]{}),
		device64:   linalg.NewExclusive[float64](linalg.GonumBackend[float64]{}),
	}
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

// Stop aborts every active run and marks the lab stopped.
func (l *Lab) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, abort := range l.runs {
		abort.Set()
	}
	l.started = false
	l.runs = make(map[string]*reservoir.Abort)
}

func (l *Lab) Started() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.started
}

func (l *Lab) Store() storage.Store { return l.store }

func (l *Lab) ResultsDir() string { return l.resultsDir }

// StopRun sets the abort flag of an active run. The run finishes its
// current phase step and reports an aborted outcome.
func (l *Lab) StopRun(runID string) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	l.mu.RLock()
	abort, ok := l.runs[runID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("run not active: %s", runID)
	}
	abort.Set()
	return nil
}

func (l *Lab) ActiveRuns() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.runs))
	for id := range l.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Lab) registerRun(runID string, abort *reservoir.Abort) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return ErrNotStarted
	}
	if _, exists := l.runs[runID]; exists {
		return fmt.Errorf("run already active: %s", runID)
	}
	l.runs[runID] = abort
	return nil
}

func (l *Lab) unregisterRun(runID string) {
	l.mu.Lock()
	delete(l.runs, runID)
	l.mu.Unlock()
}

func deviceBackend[T constraints.Float](l *Lab) linalg.Backend[T] {
	if b, ok := any(l.device32).(linalg.Backend[T]); ok {
		return b
	}
	if b, ok := any(l.device64).(linalg.Backend[T]); ok {
		return b
	}
	return linalg.NewExclusive[T](linalg.GonumBackend[T]{})
}

// WeightFiles names persisted matrices to load instead of drawing fresh
// weights. Wout is optional.
type WeightFiles struct {
	W    string
	Win  string
	Wout string
}

type ExperimentConfig struct {
	RunID        string
	Reservoir    reservoir.Config
	Data         *corpus.Dataset
	Duration     int
	Decoder      decode.Config
	TileMultiple int
	Workers      int
	Exclusive    bool
	Load         WeightFiles
	// ReadoutFrom names a stored run whose readout is installed on the
	// reservoir; the run must share this run's seed and parameters.
	ReadoutFrom string
	// SaveDir receives W.txt, Win.txt and Wout.txt when set.
	SaveDir  string
	Plot     bool
	Progress reservoir.ProgressFunc
}

type ExperimentResult[T constraints.Float] struct {
	Record  model.RunRecord
	Weights *reservoir.Weights[T]
	Outputs *linalg.Tensor3[T]
	// Decoded and Expected hold the test sentences with placeholders;
	// Sentences and ExpectedSentences have them substituted with the
	// input's open-class words.
	Decoded           [][]string
	Sentences         [][]string
	Expected          [][]string
	ExpectedSentences [][]string
	ArtifactsDir      string
}

// RunExperiment trains on the dataset's training corpus when present, runs
// the test corpus through the trained readout, and decodes the outputs.
// The run record is persisted whatever the outcome; the returned error
// carries the reason of an aborted or failed run.
func RunExperiment[T constraints.Float](ctx context.Context, lab *Lab, cfg ExperimentConfig) (ExperimentResult[T], error) {
	if cfg.Data == nil {
		return ExperimentResult[T]{}, fmt.Errorf("%w: dataset is required", reservoir.ErrConfig)
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	abort := &reservoir.Abort{}
	if err := lab.registerRun(runID, abort); err != nil {
		return ExperimentResult[T]{}, err
	}
	defer lab.unregisterRun(runID)

	resCfg := cfg.Reservoir.Normalize()
	logger := lab.logger.WithFields(logrus.Fields{
		"run_id":    runID,
		"precision": linalg.Precision[T](),
	})
	result := ExperimentResult[T]{
		Record: model.RunRecord{
			VersionedRecord: storage.CurrentVersion(),
			ID:              runID,
			StartedAt:       time.Now().UTC(),
			Precision:       linalg.Precision[T](),
			Params:          storage.ParamsFromConfig(resCfg),
			Seed:            resCfg.Seed,
			Activation:      resCfg.Activation,
			Status:          model.RunCompleted,
		},
	}

	runErr := execute(ctx, lab, cfg, resCfg, abort, logger, &result)
	if runErr != nil {
		result.Record.Status = model.RunFailed
		if errors.Is(runErr, reservoir.ErrAborted) {
			result.Record.Status = model.RunAborted
		}
		result.Record.Reason = runErr.Error()
	}

	// Cancellation must not prevent the outcome from being recorded.
	persistCtx := context.WithoutCancel(ctx)
	if err := persist(persistCtx, lab, cfg, &result); err != nil {
		if runErr == nil {
			return result, err
		}
		logger.WithError(err).Warn("persisting failed run")
	}

	fields := logrus.Fields{
		"status":        result.Record.Status,
		"train_seconds": result.Record.TrainSeconds,
		"test_seconds":  result.Record.TestSeconds,
	}
	if runErr != nil {
		logger.WithFields(fields).WithError(runErr).Warn("run did not complete")
		return result, runErr
	}
	logger.WithFields(fields).WithFields(logrus.Fields{
		"test_nrmse":     result.Record.Metrics.TestNRMSE,
		"token_accuracy": result.Record.Metrics.TokenAccuracy,
	}).Info("run completed")
	return result, nil
}

func execute[T constraints.Float](ctx context.Context, lab *Lab, cfg ExperimentConfig, resCfg reservoir.Config, abort *reservoir.Abort, logger logrus.FieldLogger, result *ExperimentResult[T]) error {
	data := cfg.Data
	var backend linalg.Backend[T] = linalg.GonumBackend[T]{}
	if cfg.Exclusive {
		backend = deviceBackend[T](lab)
	}
	engine, err := reservoir.NewEngine[T](resCfg, reservoir.Options[T]{
		Backend:      backend,
		TileMultiple: cfg.TileMultiple,
		Workers:      cfg.Workers,
		Logger:       logger,
		Progress:     cfg.Progress,
		Abort:        abort,
	})
	if err != nil {
		return err
	}

	if cfg.Load.W != "" || cfg.Load.Win != "" {
		weights, _, err := storage.LoadWeights[T](cfg.Load.W, cfg.Load.Win, cfg.Load.Wout)
		if err != nil {
			return err
		}
		if weights.InputDim() != data.Vocabulary.Channels() {
			return fmt.Errorf("%w: loaded weights take %d inputs, vocabulary has %d channels",
				reservoir.ErrConfig, weights.InputDim(), data.Vocabulary.Channels())
		}
		if err := engine.Load(weights); err != nil {
			return err
		}
	} else if err := engine.Initialize(data.Vocabulary.Channels()); err != nil {
		return err
	}
	if cfg.ReadoutFrom != "" {
		if err := installStoredReadout(ctx, lab, engine, cfg.ReadoutFrom, result.Record); err != nil {
			return err
		}
	}

	if len(data.Train) > 0 {
		batch, err := corpus.Encode[T](data.Vocabulary, data.Train, cfg.Duration)
		if err != nil {
			return fmt.Errorf("%w: training corpus: %w", reservoir.ErrConfig, err)
		}
		if batch.Teacher == nil {
			return fmt.Errorf("%w: training corpus has no output side", reservoir.ErrConfig)
		}
		result.Record.Examples, result.Record.Steps = batch.Input.Dim0, batch.Input.Dim1

		trained, err := engine.Train(ctx, batch.Input, batch.Teacher)
		if err != nil {
			return err
		}
		result.Record.TrainSeconds = trained.Elapsed.Seconds()
		mul := linalg.NewMultiplier[T](backend, linalg.MultiplierConfig{TileMultiple: cfg.TileMultiple, Workers: cfg.Workers})
		if result.Record.Metrics.TrainMSE, err = readoutMSE(ctx, mul, trained.Weights.Wout, trained.States, batch.Teacher); err != nil {
			return fmt.Errorf("training error: %w", err)
		}
	}
	result.Weights = engine.Weights()

	if len(data.Test) > 0 {
		if err := testAndDecode(ctx, engine, cfg, result); err != nil {
			return err
		}
	}
	return nil
}

// installStoredReadout attaches the readout persisted for runID to the
// engine's current reservoir.
func installStoredReadout[T constraints.Float](ctx context.Context, lab *Lab, engine *reservoir.Engine[T], runID string, record model.RunRecord) error {
	prior, ok, err := lab.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: readout run %s not found", reservoir.ErrConfig, runID)
	}
	// Ridge only shapes the readout, not the reservoir it was fitted on.
	want, got := record.Params, prior.Params
	want.Ridge, got.Ridge = 0, 0
	if want != got || prior.Seed != record.Seed || prior.Activation != record.Activation {
		return fmt.Errorf("%w: run %s used a different reservoir (seed %d, %+v)", reservoir.ErrConfig, runID, prior.Seed, prior.Params)
	}
	stored, ok, err := lab.store.GetReadout(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: run %s has no readout", reservoir.ErrConfig, runID)
	}
	wout, err := storage.ReadoutMatrix[T](stored)
	if err != nil {
		return err
	}
	return engine.Load(engine.Weights().WithReadout(wout))
}

func testAndDecode[T constraints.Float](ctx context.Context, engine *reservoir.Engine[T], cfg ExperimentConfig, result *ExperimentResult[T]) error {
	data := cfg.Data
	batch, err := corpus.Encode[T](data.Vocabulary, data.Test, cfg.Duration)
	if err != nil {
		return fmt.Errorf("%w: test corpus: %w", reservoir.ErrConfig, err)
	}
	if result.Record.Examples == 0 {
		result.Record.Examples, result.Record.Steps = batch.Input.Dim0, batch.Input.Dim1
	}

	started := time.Now()
	y, err := engine.Test(ctx, batch.Input)
	if err != nil {
		return err
	}
	decoder, err := decode.New[T](cfg.Decoder)
	if err != nil {
		return fmt.Errorf("%w: %w", reservoir.ErrConfig, err)
	}
	decoded, err := decoder.Decode(y, data.Vocabulary)
	if err != nil {
		return err
	}
	sentences := make([][]string, len(decoded))
	for ex, tokens := range decoded {
		sentences[ex] = decode.Substitute(tokens, batch.OpenClass[ex], data.Vocabulary.PlaceholderToken())
	}
	if cfg.Progress != nil {
		cfg.Progress(reservoir.PhaseDecode, 1)
	}
	result.Record.TestSeconds = time.Since(started).Seconds()
	result.Outputs = y
	result.Decoded = decoded
	result.Sentences = sentences
	result.Expected = batch.Expected
	if batch.Expected != nil {
		result.ExpectedSentences = make([][]string, len(batch.Expected))
		for ex, tokens := range batch.Expected {
			result.ExpectedSentences[ex] = decode.Substitute(tokens, batch.OpenClass[ex], data.Vocabulary.PlaceholderToken())
		}
	}

	if batch.Teacher == nil {
		return nil
	}
	metrics := &result.Record.Metrics
	if metrics.TestMSE, err = stats.MSE(y.Data, batch.Teacher.Data); err != nil {
		return err
	}
	if metrics.TestNRMSE, err = stats.NRMSE(y.Data, batch.Teacher.Data); err != nil {
		return err
	}
	metrics.TokenAccuracy = stats.TokenAccuracy(decoded, batch.Expected)
	metrics.SentenceAccuracy = stats.SentenceAccuracy(decoded, batch.Expected)
	return nil
}

// readoutMSE compares Wout·X against the flattened teacher.
func readoutMSE[T constraints.Float](ctx context.Context, mul *linalg.Multiplier[T], wout *linalg.Dense[T], states, teacher *linalg.Tensor3[T]) (float64, error) {
	pred, err := mul.Multiply(ctx, wout, linalg.FlattenColumns(states))
	if err != nil {
		return 0, err
	}
	want := linalg.FlattenRows(teacher).Transpose()
	return stats.MSE(pred.Data, want.Data)
}

func persist[T constraints.Float](ctx context.Context, lab *Lab, cfg ExperimentConfig, result *ExperimentResult[T]) error {
	record := result.Record
	if err := lab.store.SaveRun(ctx, record); err != nil {
		return fmt.Errorf("save run %s: %w", record.ID, err)
	}
	completed := record.Status == model.RunCompleted
	if completed && result.Weights != nil && result.Weights.Trained() {
		if err := lab.store.SaveReadout(ctx, storage.NewReadoutRecord(record.ID, result.Weights.Wout)); err != nil {
			return fmt.Errorf("save readout %s: %w", record.ID, err)
		}
	}
	if completed && cfg.SaveDir != "" && result.Weights != nil {
		if err := storage.SaveWeights(cfg.SaveDir, result.Weights, record.Params); err != nil {
			return fmt.Errorf("save weights: %w", err)
		}
	}
	if lab.resultsDir == "" {
		return nil
	}

	minRepeat := cfg.Decoder.MinRepeat
	if minRepeat == 0 {
		minRepeat = decode.DefaultMinRepeat
	}
	runDir, err := stats.WriteRunArtifacts(lab.resultsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:          record.ID,
			Precision:      record.Precision,
			Neurons:        record.Params.Neurons,
			SpectralRadius: record.Params.SpectralRadius,
			InputScaling:   record.Params.InputScaling,
			LeakRate:       record.Params.LeakRate,
			Sparsity:       record.Params.Sparsity,
			Ridge:          record.Params.Ridge,
			Seed:           record.Seed,
			Activation:     record.Activation,
			TrainCorpus:    cfg.Data.TrainPath,
			TestCorpus:     cfg.Data.TestPath,
			Vocabulary:     cfg.Data.VocabularyPath,
			Duration:       max(cfg.Duration, 1),
			MinRepeat:      minRepeat,
			TileMultiple:   cfg.TileMultiple,
			Workers:        cfg.Workers,
			Exclusive:      cfg.Exclusive,
		},
		Metrics: stats.RunMetrics{
			Status:       record.Status,
			Reason:       record.Reason,
			Metrics:      record.Metrics,
			TrainSeconds: record.TrainSeconds,
			TestSeconds:  record.TestSeconds,
		},
		Decoded:  result.Sentences,
		Expected: result.ExpectedSentences,
	})
	if err != nil {
		return fmt.Errorf("write artifacts: %w", err)
	}
	result.ArtifactsDir = runDir

	if err := stats.AppendRunIndex(lab.resultsDir, stats.RunIndexEntry{
		RunID:         record.ID,
		Precision:     record.Precision,
		Neurons:       record.Params.Neurons,
		Ridge:         record.Params.Ridge,
		Status:        record.Status,
		TestNRMSE:     record.Metrics.TestNRMSE,
		TokenAccuracy: record.Metrics.TokenAccuracy,
		CreatedAtUTC:  record.StartedAt.Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("append run index: %w", err)
	}

	if cfg.Plot && result.Outputs != nil && result.Outputs.Dim0 > 0 {
		vocab := cfg.Data.Vocabulary
		labels := make([]string, vocab.Channels())
		for channel := range labels {
			labels[channel], _ = vocab.Token(channel)
		}
		if err := stats.PlotActivations(filepath.Join(runDir, stats.ActivationPlot), result.Outputs, 0, labels, cfg.Decoder.ThresholdValue()); err != nil {
			return fmt.Errorf("plot activations: %w", err)
		}
	}
	return nil
}
