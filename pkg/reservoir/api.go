// Package reservoir is the public entry point for training echo-state
// reservoirs on sentence corpora, decoding their output, and sweeping
// hyperparameters.
package reservoir

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"

	"reservoir/internal/corpus"
	"reservoir/internal/decode"
	"reservoir/internal/linalg"
	"reservoir/internal/model"
	"reservoir/internal/platform"
	esn "reservoir/internal/reservoir"
	"reservoir/internal/stats"
	"reservoir/internal/storage"
	"reservoir/internal/sweep"
)

const (
	defaultResultsDir = "results"
	defaultExportsDir = "exports"
	defaultDBPath     = "reservoir.db"
	defaultRunsLimit  = 20
)

var (
	ErrConfig   = esn.ErrConfig
	ErrAborted  = esn.ErrAborted
	ErrNotFound = errors.New("run not found")
)

type Options struct {
	StoreKind  string
	DBPath     string
	ResultsDir string
	ExportsDir string
	Logger     logrus.FieldLogger
}

type Client struct {
	store storage.Store

	mu  sync.Mutex
	lab *platform.Lab

	resultsDir string
	exportsDir string
	logger     logrus.FieldLogger
}

// Status is the tagged outcome of a run.
type Status string

const (
	StatusCompleted Status = Status(model.RunCompleted)
	StatusAborted   Status = Status(model.RunAborted)
	StatusFailed    Status = Status(model.RunFailed)
)

// RunRequest describes one experiment. Zero Neurons, LeakRate and Ridge take
// the engine defaults; Precision is "float64" (default) or "float32".
type RunRequest struct {
	RunID     string
	Precision string

	Neurons        int
	SpectralRadius float64
	InputScaling   float64
	LeakRate       float64
	Sparsity       float64
	Ridge          float64
	Seed           int64
	Activation     string

	Vocabulary  string
	TrainCorpus string
	TestCorpus  string
	Duration    int

	// Threshold nil uses the decoder default; zero keeps every activation.
	Threshold     *float64
	MinRepeat     int
	FlushTrailing bool

	TileMultiple int
	Workers      int
	Exclusive    bool

	LoadW       string
	LoadWin     string
	LoadWout    string
	// ReadoutFrom reuses the readout stored for a previous run with the
	// same seed and reservoir parameters.
	ReadoutFrom string
	SaveDir     string
	Plot        bool

	Progress func(phase string, fraction float64)
}

type Metrics struct {
	TrainMSE         float64
	TestMSE          float64
	TestNRMSE        float64
	TokenAccuracy    float64
	SentenceAccuracy float64
}

type RunOutcome struct {
	RunID        string
	Status       Status
	Reason       string
	ArtifactsDir string
	Metrics      Metrics
	TrainTime    time.Duration
	TestTime     time.Duration
	Sentences    [][]string
}

func (o RunOutcome) Completed() bool { return o.Status == StatusCompleted }

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID      string
	StartedAt  time.Time
	Precision  string
	Neurons    int
	Ridge      float64
	LeakRate   float64
	Seed       int64
	Examples   int
	Steps      int
	Status     Status
	Reason     string
	Metrics    Metrics
	TrainTime  time.Duration
	TestTime   time.Duration
	HasReadout bool
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

// SweepAxis varies one parameter from Start towards Stop by repeatedly
// applying Op ("+", "-", "*" or "/") with Operand.
type SweepAxis struct {
	Param    string
	Start    float64
	Stop     float64
	Op       string
	Operand  float64
	MaxSteps int
}

type SweepRequest struct {
	// Run supplies the base parameters and the corpora; its RunID is
	// ignored.
	Run          RunRequest
	Axes         []SweepAxis
	TableDir     string
	TablePattern string
}

type SweepSummary struct {
	SweepID   string
	Status    string
	TablePath string
	Points    int
	Completed int
}

type SweepItem struct {
	SweepID      string
	Status       string
	PointIndex   int
	TotalPoints  int
	Parameters   []string
	StartedAtUTC string
	TablePath    string
	Failures     int
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
	resultsDir := opts.ResultsDir
	if resultsDir == "" {
		resultsDir = defaultResultsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:      store,
		resultsDir: resultsDir,
		exportsDir: exportsDir,
		logger:     logger,
	}, nil
}

func (c *Client) Close() error {
	if lab := c.currentLab(); lab != nil {
		lab.Stop()
	}
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	_, err := c.ensureLab(ctx)
	return err
}

// Run executes one experiment. Every failure, including invalid input, is
// reported through the outcome rather than an error.
func (c *Client) Run(ctx context.Context, req RunRequest) RunOutcome {
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return failedOutcome(req.RunID, err)
	}
	cfg, err := c.experimentConfig(req)
	if err != nil {
		return failedOutcome(req.RunID, err)
	}

	switch req.Precision {
	case "", linalg.Float64:
		return runTyped[float64](ctx, lab, cfg)
	case linalg.Float32:
		return runTyped[float32](ctx, lab, cfg)
	default:
		return failedOutcome(req.RunID, fmt.Errorf("%w: unsupported precision %q", ErrConfig, req.Precision))
	}
}

// StopRun aborts an active run started by Run or Sweep.
func (c *Client) StopRun(runID string) error {
	lab := c.currentLab()
	if lab == nil {
		return platform.ErrNotStarted
	}
	return lab.StopRun(runID)
}

func runTyped[T constraints.Float](ctx context.Context, lab *platform.Lab, cfg platform.ExperimentConfig) RunOutcome {
	res, err := platform.RunExperiment[T](ctx, lab, cfg)
	if res.Record.ID == "" {
		return failedOutcome(cfg.RunID, err)
	}
	outcome := RunOutcome{
		RunID:        res.Record.ID,
		Status:       Status(res.Record.Status),
		Reason:       res.Record.Reason,
		ArtifactsDir: res.ArtifactsDir,
		Metrics:      toMetrics(res.Record.Metrics),
		TrainTime:    seconds(res.Record.TrainSeconds),
		TestTime:     seconds(res.Record.TestSeconds),
	}
	if err == nil {
		outcome.Sentences = res.Sentences
	}
	return outcome
}

func failedOutcome(runID string, err error) RunOutcome {
	status := StatusFailed
	if errors.Is(err, ErrAborted) {
		status = StatusAborted
	}
	return RunOutcome{RunID: runID, Status: status, Reason: err.Error()}
}

func (c *Client) experimentConfig(req RunRequest) (platform.ExperimentConfig, error) {
	data, err := corpus.LoadDataset(req.Vocabulary, req.TrainCorpus, req.TestCorpus)
	if err != nil {
		return platform.ExperimentConfig{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	defaults := esn.DefaultConfig()
	if req.Neurons == 0 {
		req.Neurons = defaults.Neurons
	}
	if req.LeakRate == 0 {
		req.LeakRate = defaults.LeakRate
	}
	if req.Ridge == 0 {
		req.Ridge = defaults.Ridge
	}
	if req.SpectralRadius == 0 {
		req.SpectralRadius = defaults.SpectralRadius
	}
	if req.InputScaling == 0 {
		req.InputScaling = defaults.InputScaling
	}
	return platform.ExperimentConfig{
		RunID: req.RunID,
		Reservoir: esn.Config{
			Neurons:        req.Neurons,
			SpectralRadius: req.SpectralRadius,
			InputScaling:   req.InputScaling,
			LeakRate:       req.LeakRate,
			Sparsity:       req.Sparsity,
			Ridge:          req.Ridge,
			Seed:           req.Seed,
			Activation:     req.Activation,
		},
		Data:     data,
		Duration: req.Duration,
		Decoder: decode.Config{
			Threshold:     req.Threshold,
			MinRepeat:     req.MinRepeat,
			FlushTrailing: req.FlushTrailing,
		},
		TileMultiple: req.TileMultiple,
		Workers:      req.Workers,
		Exclusive:    req.Exclusive,
		Load:         platform.WeightFiles{W: req.LoadW, Win: req.LoadWin, Wout: req.LoadWout},
		ReadoutFrom:  req.ReadoutFrom,
		SaveDir:      req.SaveDir,
		Plot:         req.Plot,
		Progress:     req.Progress,
	}, nil
}

func (c *Client) Sweep(ctx context.Context, req SweepRequest) (SweepSummary, error) {
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return SweepSummary{}, err
	}
	template, err := c.experimentConfig(req.Run)
	if err != nil {
		return SweepSummary{}, err
	}
	plan := sweep.Plan{Base: template.Reservoir, Axes: make([]sweep.Axis, 0, len(req.Axes))}
	for _, axis := range req.Axes {
		op := sweep.OpAdd
		if axis.Start != axis.Stop {
			if op, err = sweep.ParseOp(axis.Op); err != nil {
				return SweepSummary{}, fmt.Errorf("%w: axis %s: %w", ErrConfig, axis.Param, err)
			}
		}
		plan.Axes = append(plan.Axes, sweep.Axis{
			Param: axis.Param,
			Range: sweep.Range{Start: axis.Start, Stop: axis.Stop, Op: op, Operand: axis.Operand, MaxSteps: axis.MaxSteps},
		})
	}
	tableDir := req.TableDir
	if tableDir == "" {
		tableDir = c.resultsDir
	}

	var summary sweep.Summary
	switch req.Run.Precision {
	case "", linalg.Float64:
		runner := &sweep.Runner[float64]{Lab: lab, TableDir: tableDir, TablePattern: req.TablePattern, Logger: c.logger}
		summary, err = runner.Run(ctx, plan, template)
	case linalg.Float32:
		runner := &sweep.Runner[float32]{Lab: lab, TableDir: tableDir, TablePattern: req.TablePattern, Logger: c.logger}
		summary, err = runner.Run(ctx, plan, template)
	default:
		return SweepSummary{}, fmt.Errorf("%w: unsupported precision %q", ErrConfig, req.Run.Precision)
	}

	out := SweepSummary{
		SweepID:   summary.ID,
		Status:    summary.Status,
		TablePath: summary.TablePath,
		Points:    len(summary.Rows),
	}
	for _, row := range summary.Rows {
		if sweep.Completed(row) {
			out.Completed++
		}
	}
	return out, err
}

func (c *Client) Sweeps(_ context.Context) ([]SweepItem, error) {
	exps, err := stats.ListSweepExperiments(c.resultsDir)
	if err != nil {
		return nil, err
	}
	out := make([]SweepItem, 0, len(exps))
	for _, exp := range exps {
		out = append(out, SweepItem{
			SweepID:      exp.ID,
			Status:       exp.ProgressFlag,
			PointIndex:   exp.PointIndex,
			TotalPoints:  exp.TotalPoints,
			Parameters:   exp.Parameters,
			StartedAtUTC: exp.StartedAtUTC,
			TablePath:    exp.TablePath,
			Failures:     len(exp.Failures),
		})
	}
	return out, nil
}

func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = defaultRunsLimit
	}
	if _, err := c.ensureLab(ctx); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx, req.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]RunItem, 0, len(runs))
	for _, run := range runs {
		item, err := c.runItem(ctx, run)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (c *Client) Show(ctx context.Context, runID string) (RunItem, error) {
	if runID == "" {
		return RunItem{}, errors.New("run id is required")
	}
	if _, err := c.ensureLab(ctx); err != nil {
		return RunItem{}, err
	}
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return RunItem{}, err
	}
	if !ok {
		return RunItem{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return c.runItem(ctx, run)
}

func (c *Client) runItem(ctx context.Context, run model.RunRecord) (RunItem, error) {
	_, hasReadout, err := c.store.GetReadout(ctx, run.ID)
	if err != nil {
		return RunItem{}, err
	}
	return RunItem{
		RunID:      run.ID,
		StartedAt:  run.StartedAt,
		Precision:  run.Precision,
		Neurons:    run.Params.Neurons,
		Ridge:      run.Params.Ridge,
		LeakRate:   run.Params.LeakRate,
		Seed:       run.Seed,
		Examples:   run.Examples,
		Steps:      run.Steps,
		Status:     Status(run.Status),
		Reason:     run.Reason,
		Metrics:    toMetrics(run.Metrics),
		TrainTime:  seconds(run.TrainSeconds),
		TestTime:   seconds(run.TestSeconds),
		HasReadout: hasReadout,
	}, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.resultsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(c.resultsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) currentLab() *platform.Lab {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lab
}

// ensureLab starts the client's single lab on first use.
func (c *Client) ensureLab(ctx context.Context) (*platform.Lab, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lab != nil {
		return c.lab, nil
	}
	lab := platform.NewLab(platform.Config{Store: c.store, ResultsDir: c.resultsDir, Logger: c.logger})
	if err := lab.Init(ctx); err != nil {
		return nil, err
	}
	c.lab = lab
	return c.lab, nil
}

func toMetrics(m model.Metrics) Metrics {
	return Metrics{
		TrainMSE:         m.TrainMSE,
		TestMSE:          m.TestMSE,
		TestNRMSE:        m.TestNRMSE,
		TokenAccuracy:    m.TokenAccuracy,
		SentenceAccuracy: m.SentenceAccuracy,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
