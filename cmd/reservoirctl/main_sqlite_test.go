//go:build sqlite

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunsAndShowReadSQLiteStore(t *testing.T) {
	workdir := enterCopyTaskDir(t)
	dbPath := filepath.Join(workdir, "reservoir.db")

	if _, err := captureStdout(func() error {
		return run(context.Background(), []string{"init", "--store", "sqlite", "--db-path", dbPath})
	}); err != nil {
		t.Fatalf("init command: %v", err)
	}

	args := []string{
		"run",
		"--store", "sqlite",
		"--db-path", dbPath,
		"--log-level", "error",
		"--vocab", "vocab.txt",
		"--train", "copy.txt",
		"--test", "copy.txt",
		"--neurons", "20",
		"--leak-rate", "0.7",
		"--ridge", "1e-6",
		"--seed", "11",
		"--run-id", "sqlite-copy",
	}
	if _, err := captureStdout(func() error { return run(context.Background(), args) }); err != nil {
		t.Fatalf("run command: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected sqlite db at %s: %v", dbPath, err)
	}

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"runs", "--store", "sqlite", "--db-path", dbPath})
	})
	if err != nil {
		t.Fatalf("runs command: %v", err)
	}
	if !strings.Contains(out, "run_id=sqlite-copy status=completed precision=float64 neurons=20") {
		t.Fatalf("unexpected runs output:\n%s", out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"show", "--store", "sqlite", "--db-path", dbPath, "--run-id", "sqlite-copy"})
	})
	if err != nil {
		t.Fatalf("show command: %v", err)
	}
	for _, want := range []string{"examples=3 steps=4 readout=true", "token_accuracy=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in show output:\n%s", want, out)
		}
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"runs", "--store", "sqlite", "--db-path", dbPath, "--json"})
	})
	if err != nil {
		t.Fatalf("runs json command: %v", err)
	}
	if !strings.Contains(out, `"RunID": "sqlite-copy"`) {
		t.Fatalf("unexpected runs json:\n%s", out)
	}

	reuse := []string{
		"run",
		"--store", "sqlite",
		"--db-path", dbPath,
		"--log-level", "error",
		"--vocab", "vocab.txt",
		"--test", "copy.txt",
		"--neurons", "20",
		"--leak-rate", "0.7",
		"--ridge", "1e-6",
		"--seed", "11",
		"--run-id", "sqlite-reuse",
		"--readout-from", "sqlite-copy",
		"--show-decoded",
	}
	out, err = captureStdout(func() error { return run(context.Background(), reuse) })
	if err != nil {
		t.Fatalf("run from stored readout: %v", err)
	}
	for _, want := range []string{"run_id=sqlite-reuse status=completed", "decoded[1]=by the ball is"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in reuse output:\n%s", want, out)
		}
	}

	if err := run(context.Background(), []string{"show", "--store", "sqlite", "--db-path", dbPath, "--run-id", "missing"}); err == nil {
		t.Fatal("expected error for unknown run")
	}
}
