package stats

import "testing"

func TestWriteReadAndListSweepExperiments(t *testing.T) {
	base := t.TempDir()
	expA := SweepExperiment{
		ID:           "sweep-a",
		Notes:        "ridge",
		ProgressFlag: SweepInProgress,
		PointIndex:   2,
		TotalPoints:  7,
		Parameters:   []string{"ridge"},
		StartedAtUTC: "2026-02-27T00:00:00Z",
	}
	expB := SweepExperiment{
		ID:           "sweep-b",
		ProgressFlag: SweepCompleted,
		PointIndex:   4,
		TotalPoints:  4,
		StartedAtUTC: "2026-02-28T00:00:00Z",
		RunIDs:       []string{"r1", "r2", "r3", "r4"},
	}
	if err := WriteSweepExperiment(base, expA); err != nil {
		t.Fatalf("write sweep a: %v", err)
	}
	if err := WriteSweepExperiment(base, expB); err != nil {
		t.Fatalf("write sweep b: %v", err)
	}

	read, ok, err := ReadSweepExperiment(base, "sweep-a")
	if err != nil {
		t.Fatalf("read sweep a: %v", err)
	}
	if !ok {
		t.Fatalf("expected sweep a to exist")
	}
	if read.ID != "sweep-a" || read.PointIndex != 2 || read.Parameters[0] != "ridge" {
		t.Fatalf("unexpected sweep a payload: %+v", read)
	}

	list, err := ListSweepExperiments(base)
	if err != nil {
		t.Fatalf("list sweeps: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sweeps, got %d", len(list))
	}
	if list[0].ID != "sweep-b" || list[1].ID != "sweep-a" {
		t.Fatalf("unexpected list ordering: %+v", list)
	}

	if _, ok, err := ReadSweepExperiment(base, "missing"); ok || err != nil {
		t.Fatalf("expected missing sweep to report false, got ok=%t err=%v", ok, err)
	}
}
