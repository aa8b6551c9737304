package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	resapi "reservoir/pkg/reservoir"
)

// runFlags are the experiment flags shared by run and sweep.
type runFlags struct {
	runID          *string
	precision      *string
	neurons        *int
	spectralRadius *float64
	inputScaling   *float64
	leakRate       *float64
	sparsity       *float64
	ridge          *float64
	seed           *int64
	activation     *string
	vocab          *string
	train          *string
	test           *string
	duration       *int
	threshold      *float64
	minRepeat      *int
	flushTrailing  *bool
	tileMultiple   *int
	workers        *int
	exclusive      *bool
	loadW          *string
	loadWin        *string
	loadWout       *string
	readoutFrom    *string
	saveDir        *string
	plot           *bool
}

func addRunFlags(fs *flag.FlagSet) runFlags {
	return runFlags{
		runID:          fs.String("run-id", "", "explicit run id (optional)"),
		precision:      fs.String("precision", "float64", "numeric precision: float64|float32"),
		neurons:        fs.Int("neurons", 100, "reservoir size"),
		spectralRadius: fs.Float64("spectral-radius", 1, "target spectral radius of W"),
		inputScaling:   fs.Float64("input-scaling", 1, "input weight scaling"),
		leakRate:       fs.Float64("leak-rate", 1, "leaky integration rate in (0,1]"),
		sparsity:       fs.Float64("sparsity", 0, "recurrent connection density (0 uses 10/neurons)"),
		ridge:          fs.Float64("ridge", 1e-5, "ridge regularization"),
		seed:           fs.Int64("seed", 1, "rng seed"),
		activation:     fs.String("activation", "tanh", "reservoir activation"),
		vocab:          fs.String("vocab", "", "vocabulary file, one word per line"),
		train:          fs.String("train", "", "training corpus"),
		test:           fs.String("test", "", "test corpus"),
		duration:       fs.Int("duration", 1, "steps each word is held"),
		threshold:      fs.Float64("threshold", 0.4, "decoder activation threshold"),
		minRepeat:      fs.Int("min-repeat", 1, "decoder minimum streak length"),
		flushTrailing:  fs.Bool("flush-trailing", false, "emit a final streak shorter than min-repeat"),
		tileMultiple:   fs.Int("tile-multiple", 0, "block edge in multiples of 16 (0 uses 4)"),
		workers:        fs.Int("workers", 0, "worker count (0 uses all CPUs)"),
		exclusive:      fs.Bool("exclusive-device", false, "serialize linear algebra through the shared backend"),
		loadW:          fs.String("load-w", "", "recurrent weights file"),
		loadWin:        fs.String("load-win", "", "input weights file"),
		loadWout:       fs.String("load-wout", "", "readout weights file"),
		readoutFrom:    fs.String("readout-from", "", "reuse the stored readout of a run with the same seed and parameters"),
		saveDir:        fs.String("save-dir", "", "directory to save trained weights"),
		plot:           fs.Bool("plot", false, "render an activation plot for the first test example"),
	}
}

func (f runFlags) defaults() resapi.RunRequest {
	threshold := *f.threshold
	return resapi.RunRequest{
		RunID:          *f.runID,
		Precision:      *f.precision,
		Neurons:        *f.neurons,
		SpectralRadius: *f.spectralRadius,
		InputScaling:   *f.inputScaling,
		LeakRate:       *f.leakRate,
		Sparsity:       *f.sparsity,
		Ridge:          *f.ridge,
		Seed:           *f.seed,
		Activation:     *f.activation,
		Vocabulary:     *f.vocab,
		TrainCorpus:    *f.train,
		TestCorpus:     *f.test,
		Duration:       *f.duration,
		Threshold:      &threshold,
		MinRepeat:      *f.minRepeat,
		FlushTrailing:  *f.flushTrailing,
		TileMultiple:   *f.tileMultiple,
		Workers:        *f.workers,
		Exclusive:      *f.exclusive,
		LoadW:          *f.loadW,
		LoadWin:        *f.loadWin,
		LoadWout:       *f.loadWout,
		ReadoutFrom:    *f.readoutFrom,
		SaveDir:        *f.saveDir,
		Plot:           *f.plot,
	}
}

func (f runFlags) values() map[string]any {
	return map[string]any{
		"run-id":           *f.runID,
		"precision":        *f.precision,
		"neurons":          *f.neurons,
		"spectral-radius":  *f.spectralRadius,
		"input-scaling":    *f.inputScaling,
		"leak-rate":        *f.leakRate,
		"sparsity":         *f.sparsity,
		"ridge":            *f.ridge,
		"seed":             *f.seed,
		"activation":       *f.activation,
		"vocab":            *f.vocab,
		"train":            *f.train,
		"test":             *f.test,
		"duration":         *f.duration,
		"threshold":        *f.threshold,
		"min-repeat":       *f.minRepeat,
		"flush-trailing":   *f.flushTrailing,
		"tile-multiple":    *f.tileMultiple,
		"workers":          *f.workers,
		"exclusive-device": *f.exclusive,
		"load-w":           *f.loadW,
		"load-win":         *f.loadWin,
		"load-wout":        *f.loadWout,
		"readout-from":     *f.readoutFrom,
		"save-dir":         *f.saveDir,
		"plot":             *f.plot,
	}
}

// request builds a run request from flag defaults, or from the config file
// with explicitly set flags taking precedence.
func (f runFlags) request(configPath string, set map[string]bool) (resapi.RunRequest, error) {
	if configPath == "" {
		return f.defaults(), nil
	}
	req, err := loadOrDefaultRunRequest(configPath)
	if err != nil {
		return resapi.RunRequest{}, err
	}
	if err := overrideFromFlags(&req, set, f.values()); err != nil {
		return resapi.RunRequest{}, err
	}
	return req, nil
}

func loadRunRequestFromConfig(path string) (resapi.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return resapi.RunRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return resapi.RunRequest{}, err
	}
	return runRequestFromMap(raw), nil
}

func runRequestFromMap(raw map[string]any) resapi.RunRequest {
	var req resapi.RunRequest
	if v, ok := asString(raw["run_id"]); ok {
		req.RunID = v
	}
	if v, ok := asString(raw["precision"]); ok {
		req.Precision = v
	}
	if v, ok := asInt(raw["neurons"]); ok {
		req.Neurons = v
	}
	if v, ok := asFloat64(raw["spectral_radius"]); ok {
		req.SpectralRadius = v
	}
	if v, ok := asFloat64(raw["input_scaling"]); ok {
		req.InputScaling = v
	}
	if v, ok := asFloat64(raw["leak_rate"]); ok {
		req.LeakRate = v
	}
	if v, ok := asFloat64(raw["sparsity"]); ok {
		req.Sparsity = v
	}
	if v, ok := asFloat64(raw["ridge"]); ok {
		req.Ridge = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asString(raw["activation"]); ok {
		req.Activation = v
	}
	if v, ok := asString(raw["vocabulary"]); ok {
		req.Vocabulary = v
	}
	if v, ok := asString(raw["train"]); ok {
		req.TrainCorpus = v
	}
	if v, ok := asString(raw["test"]); ok {
		req.TestCorpus = v
	}
	if v, ok := asInt(raw["duration"]); ok {
		req.Duration = v
	}
	if v, ok := asFloat64(raw["threshold"]); ok {
		req.Threshold = &v
	}
	if v, ok := asInt(raw["min_repeat"]); ok {
		req.MinRepeat = v
	}
	if v, ok := asBool(raw["flush_trailing"]); ok {
		req.FlushTrailing = v
	}
	if v, ok := asInt(raw["tile_multiple"]); ok {
		req.TileMultiple = v
	}
	if v, ok := asInt(raw["workers"]); ok {
		req.Workers = v
	}
	if v, ok := asBool(raw["exclusive_device"]); ok {
		req.Exclusive = v
	}
	if v, ok := asString(raw["readout_from"]); ok {
		req.ReadoutFrom = v
	}
	if weights, ok := raw["load"].(map[string]any); ok {
		if v, ok := asString(weights["w"]); ok {
			req.LoadW = v
		}
		if v, ok := asString(weights["win"]); ok {
			req.LoadWin = v
		}
		if v, ok := asString(weights["wout"]); ok {
			req.LoadWout = v
		}
	}
	if v, ok := asString(raw["save_dir"]); ok {
		req.SaveDir = v
	}
	if v, ok := asBool(raw["plot"]); ok {
		req.Plot = v
	}
	return req
}

func loadOrDefaultRunRequest(configPath string) (resapi.RunRequest, error) {
	if configPath == "" {
		return resapi.RunRequest{}, nil
	}
	req, err := loadRunRequestFromConfig(configPath)
	if err != nil {
		return resapi.RunRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}

// loadSweepRequestFromConfig reads {"base": {...}, "axes": [...]} where base
// uses the run config keys.
func loadSweepRequestFromConfig(path string) (resapi.SweepRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return resapi.SweepRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return resapi.SweepRequest{}, err
	}

	var req resapi.SweepRequest
	if base, ok := raw["base"].(map[string]any); ok {
		req.Run = runRequestFromMap(base)
	}
	if v, ok := asString(raw["table_dir"]); ok {
		req.TableDir = v
	}
	if v, ok := asString(raw["table_pattern"]); ok {
		req.TablePattern = v
	}
	axes, _ := raw["axes"].([]any)
	for i, item := range axes {
		m, ok := item.(map[string]any)
		if !ok {
			return resapi.SweepRequest{}, fmt.Errorf("axis %d: expected object", i)
		}
		var axis resapi.SweepAxis
		if axis.Param, ok = asString(m["param"]); !ok || axis.Param == "" {
			return resapi.SweepRequest{}, fmt.Errorf("axis %d: missing param", i)
		}
		if axis.Start, ok = asFloat64(m["start"]); !ok {
			return resapi.SweepRequest{}, fmt.Errorf("axis %s: missing start", axis.Param)
		}
		axis.Stop = axis.Start
		if v, ok := asFloat64(m["stop"]); ok {
			axis.Stop = v
		}
		if v, ok := asString(m["op"]); ok {
			axis.Op = v
		}
		if v, ok := asFloat64(m["operand"]); ok {
			axis.Operand = v
		}
		if v, ok := asInt(m["max_steps"]); ok {
			axis.MaxSteps = v
		}
		req.Axes = append(req.Axes, axis)
	}
	return req, nil
}

func loadOrDefaultSweepRequest(configPath string) (resapi.SweepRequest, error) {
	if configPath == "" {
		return resapi.SweepRequest{}, nil
	}
	req, err := loadSweepRequestFromConfig(configPath)
	if err != nil {
		return resapi.SweepRequest{}, fmt.Errorf("load sweep config: %w", err)
	}
	return req, nil
}

// axisFlags collects repeated -axis param=start:stop:op:operand values.
type axisFlags []resapi.SweepAxis

func (a *axisFlags) String() string {
	if a == nil {
		return ""
	}
	parts := make([]string, 0, len(*a))
	for _, axis := range *a {
		parts = append(parts, fmt.Sprintf("%s=%g:%g:%s:%g", axis.Param, axis.Start, axis.Stop, axis.Op, axis.Operand))
	}
	return strings.Join(parts, ",")
}

func (a *axisFlags) Set(value string) error {
	axis, err := parseAxis(value)
	if err != nil {
		return err
	}
	*a = append(*a, axis)
	return nil
}

// parseAxis accepts "param=value" for a single point or
// "param=start:stop:op:operand" for a range.
func parseAxis(value string) (resapi.SweepAxis, error) {
	param, spec, ok := strings.Cut(value, "=")
	param = strings.TrimSpace(param)
	if !ok || param == "" {
		return resapi.SweepAxis{}, fmt.Errorf("invalid axis %q: expected param=start:stop:op:operand", value)
	}
	fields := strings.Split(spec, ":")
	switch len(fields) {
	case 1:
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		if err != nil {
			return resapi.SweepAxis{}, fmt.Errorf("invalid axis %q: %w", value, err)
		}
		return resapi.SweepAxis{Param: param, Start: v, Stop: v}, nil
	case 4:
		start, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		if err != nil {
			return resapi.SweepAxis{}, fmt.Errorf("invalid axis %q start: %w", value, err)
		}
		stop, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return resapi.SweepAxis{}, fmt.Errorf("invalid axis %q stop: %w", value, err)
		}
		operand, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
		if err != nil {
			return resapi.SweepAxis{}, fmt.Errorf("invalid axis %q operand: %w", value, err)
		}
		return resapi.SweepAxis{Param: param, Start: start, Stop: stop, Op: strings.TrimSpace(fields[2]), Operand: operand}, nil
	default:
		return resapi.SweepAxis{}, fmt.Errorf("invalid axis %q: expected param=start:stop:op:operand", value)
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func overrideFromFlags(req *resapi.RunRequest, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "run-id":
			req.RunID = v.(string)
		case "precision":
			req.Precision = v.(string)
		case "neurons":
			req.Neurons = v.(int)
		case "spectral-radius":
			req.SpectralRadius = v.(float64)
		case "input-scaling":
			req.InputScaling = v.(float64)
		case "leak-rate":
			req.LeakRate = v.(float64)
		case "sparsity":
			req.Sparsity = v.(float64)
		case "ridge":
			req.Ridge = v.(float64)
		case "seed":
			req.Seed = v.(int64)
		case "activation":
			req.Activation = v.(string)
		case "vocab":
			req.Vocabulary = v.(string)
		case "train":
			req.TrainCorpus = v.(string)
		case "test":
			req.TestCorpus = v.(string)
		case "duration":
			req.Duration = v.(int)
		case "threshold":
			threshold := v.(float64)
			req.Threshold = &threshold
		case "min-repeat":
			req.MinRepeat = v.(int)
		case "flush-trailing":
			req.FlushTrailing = v.(bool)
		case "tile-multiple":
			req.TileMultiple = v.(int)
		case "workers":
			req.Workers = v.(int)
		case "exclusive-device":
			req.Exclusive = v.(bool)
		case "load-w":
			req.LoadW = v.(string)
		case "load-win":
			req.LoadWin = v.(string)
		case "load-wout":
			req.LoadWout = v.(string)
		case "readout-from":
			req.ReadoutFrom = v.(string)
		case "save-dir":
			req.SaveDir = v.(string)
		case "plot":
			req.Plot = v.(bool)
		default:
			return fmt.Errorf("unsupported flag override: %s", name)
		}
	}
	return nil
}
