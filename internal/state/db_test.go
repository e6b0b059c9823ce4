package state

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := newTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestRunRoundTrip(t *testing.T) {
	db := newTestDB(t)

	r := &Run{
		ID:        "run-1",
		FeatureID: "feat-1",
		Attempt:   1,
		Status:    RunActive,
		Step:      "review",
		StartedAt: time.Now(),
	}
	if err := db.CreateRun(r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.FeatureID != "feat-1" || got.Status != RunActive || got.Step != "review" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.FinishedAt != nil {
		t.Error("new run should have no finish time")
	}
}

func TestGetRunMissing(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetRun("ghost")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing run, got %+v", got)
	}
}

func TestFinishRun(t *testing.T) {
	db := newTestDB(t)

	r := &Run{ID: "run-1", FeatureID: "f", Attempt: 1, Status: RunActive, StartedAt: time.Now()}
	if err := db.CreateRun(r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := db.FinishRun("run-1", RunFailed, "review step failed"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != RunFailed || got.Error != "review step failed" {
		t.Errorf("finish not recorded: %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("expected finish timestamp")
	}
}

func TestListRunsByFeatureOrder(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		r := &Run{
			ID:        id,
			FeatureID: "f",
			Attempt:   i + 1,
			Status:    RunFailed,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := db.CreateRun(r); err != nil {
			t.Fatalf("CreateRun(%s): %v", id, err)
		}
	}

	runs, err := db.ListRunsByFeature("f")
	if err != nil {
		t.Fatalf("ListRunsByFeature: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "new" || runs[2].ID != "old" {
		t.Errorf("expected most recent first, got %s..%s", runs[0].ID, runs[2].ID)
	}
}

func TestListActiveRuns(t *testing.T) {
	db := newTestDB(t)

	now := time.Now()
	for _, r := range []*Run{
		{ID: "a", FeatureID: "f1", Attempt: 1, Status: RunActive, StartedAt: now},
		{ID: "b", FeatureID: "f2", Attempt: 1, Status: RunVerified, StartedAt: now},
		{ID: "c", FeatureID: "f3", Attempt: 1, Status: RunActive, StartedAt: now},
	} {
		if err := db.CreateRun(r); err != nil {
			t.Fatalf("CreateRun(%s): %v", r.ID, err)
		}
	}

	runs, err := db.ListActiveRuns()
	if err != nil {
		t.Fatalf("ListActiveRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("expected 2 active runs, got %d", len(runs))
	}
}

func TestPauseRecords(t *testing.T) {
	db := newTestDB(t)

	pausedAt := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	id, err := db.RecordPause("quota_exhausted", pausedAt)
	if err != nil {
		t.Fatalf("RecordPause: %v", err)
	}
	if err := db.RecordResume(id, pausedAt.Add(30*time.Minute)); err != nil {
		t.Fatalf("RecordResume: %v", err)
	}

	pauses, err := db.ListPauses(10)
	if err != nil {
		t.Fatalf("ListPauses: %v", err)
	}
	if len(pauses) != 1 {
		t.Fatalf("expected 1 pause, got %d", len(pauses))
	}
	p := pauses[0]
	if p.Reason != "quota_exhausted" {
		t.Errorf("reason mismatch: %q", p.Reason)
	}
	if p.ResumedAt == nil || !p.ResumedAt.After(p.PausedAt) {
		t.Errorf("resume interval not recorded: %+v", p)
	}
}

func TestPurgeOldRuns(t *testing.T) {
	db := newTestDB(t)

	old := time.Now().Add(-48 * time.Hour)
	finished := old.Add(time.Hour)
	for _, r := range []*Run{
		{ID: "old", FeatureID: "f", Attempt: 1, Status: RunVerified, StartedAt: old, FinishedAt: &finished},
		{ID: "fresh", FeatureID: "f", Attempt: 2, Status: RunActive, StartedAt: time.Now()},
	} {
		if err := db.CreateRun(r); err != nil {
			t.Fatalf("CreateRun(%s): %v", r.ID, err)
		}
		if err := db.UpdateRun(r); err != nil {
			t.Fatalf("UpdateRun(%s): %v", r.ID, err)
		}
	}

	n, err := db.PurgeOldRuns(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldRuns: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged run, got %d", n)
	}
	if got, _ := db.GetRun("fresh"); got == nil {
		t.Error("active run must survive the purge")
	}
}
