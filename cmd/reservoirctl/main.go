package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"reservoir/internal/storage"
	resapi "reservoir/pkg/reservoir"
)

const (
	resultsDir    = "results"
	exportsDir    = "exports"
	defaultDBPath = "reservoir.db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
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
	case "run":
		return runRun(ctx, args[1:])
	case "sweep":
		return runSweep(ctx, args[1:])
	case "sweeps":
		return runSweeps(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "show":
		return runShow(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// clientFlags are shared by every subcommand that opens a client.
type clientFlags struct {
	storeKind  *string
	dbPath     *string
	resultsDir *string
	logLevel   *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		storeKind:  fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:     fs.String("db-path", defaultDBPath, "sqlite database path"),
		resultsDir: fs.String("results-dir", resultsDir, "run artifact directory"),
		logLevel:   fs.String("log-level", "info", "log level: debug|info|warn|error"),
	}
}

func (f clientFlags) open() (*resapi.Client, error) {
	logger, err := newLogger(*f.logLevel)
	if err != nil {
		return nil, err
	}
	return resapi.New(resapi.Options{
		StoreKind:  *f.storeKind,
		DBPath:     *f.dbPath,
		ResultsDir: *f.resultsDir,
		ExportsDir: exportsDir,
		Logger:     logger,
	})
}

func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(lvl)
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	fmt.Printf("initialized store=%s\n", *cf.storeKind)
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cf := addClientFlags(fs)
	configPath := fs.String("config", "", "optional run config JSON path")
	rf := addRunFlags(fs)
	showDecoded := fs.Bool("show-decoded", false, "print every decoded sentence")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := rf.request(*configPath, setFlags)
	if err != nil {
		return err
	}
	if req.Vocabulary == "" {
		return errors.New("run requires --vocab")
	}
	if req.TrainCorpus == "" && req.TestCorpus == "" {
		return errors.New("run requires --train or --test")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	outcome := client.Run(ctx, req)
	fmt.Printf("run_id=%s status=%s train_time=%s test_time=%s\n",
		outcome.RunID,
		outcome.Status,
		outcome.TrainTime.Round(time.Millisecond),
		outcome.TestTime.Round(time.Millisecond),
	)
	if !outcome.Completed() {
		return fmt.Errorf("run %s: %s", outcome.Status, outcome.Reason)
	}
	printMetrics(outcome.Metrics)
	if *showDecoded {
		for i, sentence := range outcome.Sentences {
			fmt.Printf("decoded[%d]=%s\n", i, strings.Join(sentence, " "))
		}
	}
	if outcome.ArtifactsDir != "" {
		fmt.Printf("artifacts=%s\n", outcome.ArtifactsDir)
	}
	return nil
}

func runSweep(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	cf := addClientFlags(fs)
	configPath := fs.String("config", "", "sweep config JSON path with base and axes")
	rf := addRunFlags(fs)
	var axes axisFlags
	fs.Var(&axes, "axis", "sweep axis param=start:stop:op:operand (repeatable)")
	tableDir := fs.String("table-dir", "", "sweep table directory (defaults to results dir)")
	tablePattern := fs.String("table-pattern", "", "strftime pattern for the sweep table file name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := loadOrDefaultSweepRequest(*configPath)
	if err != nil {
		return err
	}
	if *configPath == "" {
		req.Run = rf.defaults()
	} else if err := overrideFromFlags(&req.Run, setFlags, rf.values()); err != nil {
		return err
	}
	if len(axes) > 0 {
		req.Axes = append(req.Axes, axes...)
	}
	if len(req.Axes) == 0 {
		return errors.New("sweep requires at least one --axis or config axes")
	}
	if setFlags["table-dir"] {
		req.TableDir = *tableDir
	}
	if setFlags["table-pattern"] {
		req.TablePattern = *tablePattern
	}
	if req.Run.Vocabulary == "" {
		return errors.New("sweep requires --vocab")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Sweep(ctx, req)
	if summary.SweepID != "" {
		fmt.Printf("sweep_id=%s status=%s points=%s completed=%s table=%s\n",
			summary.SweepID,
			summary.Status,
			humanize.Comma(int64(summary.Points)),
			humanize.Comma(int64(summary.Completed)),
			summary.TablePath,
		)
	}
	return err
}

func runSweeps(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sweeps", flag.ContinueOnError)
	results := fs.String("results-dir", resultsDir, "run artifact directory")
	jsonOut := fs.Bool("json", false, "emit sweeps list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := resapi.New(resapi.Options{StoreKind: "memory", ResultsDir: *results})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Sweeps(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no sweeps found")
		return nil
	}
	if *jsonOut {
		return printJSON(items)
	}
	for _, item := range items {
		fmt.Printf("sweep_id=%s status=%s points=%d/%d failures=%d params=%s started=%s\n",
			item.SweepID,
			item.Status,
			item.PointIndex,
			item.TotalPoints,
			item.Failures,
			strings.Join(item.Parameters, ","),
			startedAgo(item.StartedAtUTC),
		)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	cf := addClientFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, resapi.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	if *jsonOut {
		return printJSON(items)
	}
	for _, item := range items {
		fmt.Printf("run_id=%s status=%s precision=%s neurons=%s ridge=%g token_accuracy=%s started=%s\n",
			item.RunID,
			item.Status,
			item.Precision,
			humanize.Comma(int64(item.Neurons)),
			item.Ridge,
			humanize.FtoaWithDigits(item.Metrics.TokenAccuracy, 4),
			humanize.Time(item.StartedAt),
		)
	}
	return nil
}

func runShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	cf := addClientFlags(fs)
	runID := fs.String("run-id", "", "run id")
	jsonOut := fs.Bool("json", false, "emit run as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("show requires --run-id")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	item, err := client.Show(ctx, *runID)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(item)
	}
	fmt.Printf("run_id=%s status=%s precision=%s started=%s\n", item.RunID, item.Status, item.Precision, humanize.Time(item.StartedAt))
	fmt.Printf("neurons=%s leak_rate=%g ridge=%g seed=%d\n", humanize.Comma(int64(item.Neurons)), item.LeakRate, item.Ridge, item.Seed)
	fmt.Printf("examples=%s steps=%s readout=%t\n", humanize.Comma(int64(item.Examples)), humanize.Comma(int64(item.Steps)), item.HasReadout)
	fmt.Printf("train_time=%s test_time=%s\n", item.TrainTime.Round(time.Millisecond), item.TestTime.Round(time.Millisecond))
	if item.Reason != "" {
		fmt.Printf("reason=%s\n", item.Reason)
	}
	printMetrics(item.Metrics)
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	results := fs.String("results-dir", resultsDir, "run artifact directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := resapi.New(resapi.Options{StoreKind: "memory", ResultsDir: *results})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, resapi.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

func printMetrics(m resapi.Metrics) {
	fmt.Printf("train_mse=%s test_mse=%s test_nrmse=%s token_accuracy=%s sentence_accuracy=%s\n",
		humanize.FtoaWithDigits(m.TrainMSE, 6),
		humanize.FtoaWithDigits(m.TestMSE, 6),
		humanize.FtoaWithDigits(m.TestNRMSE, 6),
		humanize.FtoaWithDigits(m.TokenAccuracy, 4),
		humanize.FtoaWithDigits(m.SentenceAccuracy, 4),
	)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func startedAgo(utc string) string {
	ts, err := time.Parse(time.RFC3339Nano, utc)
	if err != nil {
		return utc
	}
	return humanize.Time(ts)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: reservoirctl <init|run|sweep|sweeps|runs|show|export> [flags]", msg)
}
