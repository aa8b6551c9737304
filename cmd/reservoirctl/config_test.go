package main

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func writeJSON(t *testing.T, payload map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRunRequestFromConfig(t *testing.T) {
	path := writeJSON(t, map[string]any{
		"run_id":           "from-file",
		"precision":        "float32",
		"neurons":          64,
		"spectral_radius":  0.9,
		"leak_rate":        0.3,
		"ridge":            1e-4,
		"seed":             9,
		"vocabulary":       "vocab.txt",
		"train":            "train.txt",
		"duration":         2,
		"min_repeat":       3,
		"flush_trailing":   true,
		"exclusive_device": true,
		"threshold":        0,
		"readout_from":     "earlier-run",
		"load": map[string]any{
			"w":   "w.bin",
			"win": "win.bin",
		},
	})

	req, err := loadRunRequestFromConfig(path)
	if err != nil {
		t.Fatalf("load run request: %v", err)
	}
	if req.RunID != "from-file" || req.Precision != "float32" || req.Neurons != 64 || req.Seed != 9 {
		t.Fatalf("unexpected base fields: %+v", req)
	}
	if req.SpectralRadius != 0.9 || req.LeakRate != 0.3 || req.Ridge != 1e-4 {
		t.Fatalf("unexpected reservoir params: %+v", req)
	}
	if req.Vocabulary != "vocab.txt" || req.TrainCorpus != "train.txt" || req.TestCorpus != "" {
		t.Fatalf("unexpected corpus paths: %+v", req)
	}
	if req.Duration != 2 || req.MinRepeat != 3 || !req.FlushTrailing || !req.Exclusive {
		t.Fatalf("unexpected run controls: %+v", req)
	}
	if req.LoadW != "w.bin" || req.LoadWin != "win.bin" || req.LoadWout != "" || req.ReadoutFrom != "earlier-run" {
		t.Fatalf("unexpected weight files: %+v", req)
	}
	if req.Threshold == nil || *req.Threshold != 0 {
		t.Fatalf("expected explicit zero threshold, got %v", req.Threshold)
	}
}

func TestRunFlagsOverrideConfigOnlyWhenSet(t *testing.T) {
	path := writeJSON(t, map[string]any{
		"neurons":    64,
		"ridge":      1e-4,
		"vocabulary": "vocab.txt",
	})

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	rf := addRunFlags(fs)
	if err := fs.Parse([]string{"--ridge", "0.5", "--seed", "4"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	req, err := rf.request(path, set)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.Neurons != 64 {
		t.Fatalf("expected config neurons to survive, got %d", req.Neurons)
	}
	if req.Ridge != 0.5 || req.Seed != 4 {
		t.Fatalf("expected flag overrides, got ridge=%g seed=%d", req.Ridge, req.Seed)
	}
	if req.LeakRate != 0 {
		t.Fatalf("unset flag must not override config, got leak rate %g", req.LeakRate)
	}

	defaults, err := rf.request("", set)
	if err != nil {
		t.Fatalf("build default request: %v", err)
	}
	if defaults.Neurons != 100 || defaults.LeakRate != 1 || defaults.Ridge != 0.5 {
		t.Fatalf("unexpected flag defaults: %+v", defaults)
	}
	if defaults.Threshold == nil || *defaults.Threshold != 0.4 {
		t.Fatalf("expected flag default threshold, got %v", defaults.Threshold)
	}
}

func TestLoadRunRequestFromConfigErrors(t *testing.T) {
	if _, err := loadOrDefaultRunRequest(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing config")
	}
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadRunRequestFromConfig(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
	req, err := loadOrDefaultRunRequest("")
	if err != nil || req.Neurons != 0 {
		t.Fatalf("expected empty request without config, got %+v err=%v", req, err)
	}
}

func TestLoadSweepRequestFromConfig(t *testing.T) {
	path := writeJSON(t, map[string]any{
		"base": map[string]any{
			"neurons":    20,
			"vocabulary": "vocab.txt",
			"train":      "train.txt",
		},
		"table_pattern": "sweep-%Y%m%d.tsv",
		"axes": []any{
			map[string]any{"param": "ridge", "start": 1, "stop": 1e-6, "op": "/", "operand": 10, "max_steps": 50},
			map[string]any{"param": "seed", "start": 3},
		},
	})

	req, err := loadSweepRequestFromConfig(path)
	if err != nil {
		t.Fatalf("load sweep request: %v", err)
	}
	if req.Run.Neurons != 20 || req.Run.Vocabulary != "vocab.txt" || req.TablePattern != "sweep-%Y%m%d.tsv" {
		t.Fatalf("unexpected sweep base: %+v", req)
	}
	if len(req.Axes) != 2 {
		t.Fatalf("expected 2 axes, got %d", len(req.Axes))
	}
	ridge := req.Axes[0]
	if ridge.Param != "ridge" || ridge.Start != 1 || ridge.Stop != 1e-6 || ridge.Op != "/" || ridge.Operand != 10 || ridge.MaxSteps != 50 {
		t.Fatalf("unexpected ridge axis: %+v", ridge)
	}
	if seed := req.Axes[1]; seed.Start != 3 || seed.Stop != 3 {
		t.Fatalf("expected single-valued seed axis, got %+v", seed)
	}

	bad := writeJSON(t, map[string]any{"axes": []any{map[string]any{"start": 1}}})
	if _, err := loadSweepRequestFromConfig(bad); err == nil {
		t.Fatal("expected error for axis without param")
	}
}

func TestParseAxis(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
		start   float64
		stop    float64
		op      string
		operand float64
	}{
		{name: "range", value: "ridge=1:1e-6:/:10", start: 1, stop: 1e-6, op: "/", operand: 10},
		{name: "spaced", value: " leak_rate = 0.1 : 0.9 : + : 0.2", start: 0.1, stop: 0.9, op: "+", operand: 0.2},
		{name: "single", value: "seed=7", start: 7, stop: 7},
		{name: "missing param", value: "=1:2:+:1", wantErr: true},
		{name: "no equals", value: "ridge", wantErr: true},
		{name: "wrong arity", value: "ridge=1:2", wantErr: true},
		{name: "bad number", value: "ridge=x:2:+:1", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			axis, err := parseAxis(tc.value)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse axis: %v", err)
			}
			if axis.Start != tc.start || axis.Stop != tc.stop || axis.Op != tc.op || axis.Operand != tc.operand {
				t.Fatalf("unexpected axis: %+v", axis)
			}
		})
	}

	var axes axisFlags
	if err := axes.Set("ridge=1:0.01:/:10"); err != nil {
		t.Fatalf("set axis: %v", err)
	}
	if err := axes.Set("seed=2"); err != nil {
		t.Fatalf("set axis: %v", err)
	}
	if len(axes) != 2 || axes[1].Param != "seed" {
		t.Fatalf("unexpected axes: %+v", axes)
	}
}
