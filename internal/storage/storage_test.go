package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func openTest(t *testing.T, driver string) *Store {
	t.Helper()
	s, err := Open(driver, filepath.Join(t.TempDir(), "sky.db"))
	if err != nil {
		if driver == "sqlite3" && strings.Contains(err.Error(), "cgo") {
			t.Skip("mattn/go-sqlite3 needs cgo")
		}
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunRoundTrip(t *testing.T) {
	for _, driver := range []string{"sqlite", "sqlite3"} {
		t.Run(driver, func(t *testing.T) {
			s := openTest(t, driver)
			run := RunRecord{ID: "r1", Manifest: "scene.yaml", Method: "match", Images: 2, Groups: 2, FailedGroups: 1, DurationMS: 12, ResultJSON: `{"method":"match"}`}
			values := []SkyValue{
				{Image: "b", Index: 1, Group: "#1:b", Sky: 20, Method: "match", Component: 0, Error: "group #1:b: failed"},
				{Image: "a", Index: 0, Group: "#0:a", Sky: 0, Method: "match", Subtract: true},
			}
			if err := s.RecordRun(run, values); err != nil {
				t.Fatalf("RecordRun: %v", err)
			}

			got, vals, err := s.Run("r1")
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got.Manifest != "scene.yaml" || got.FailedGroups != 1 || got.ResultJSON == "" || got.CreatedAt.IsZero() {
				t.Fatalf("unexpected run %+v", got)
			}
			if len(vals) != 2 || vals[0].Image != "a" || !vals[0].Subtract || vals[1].Sky != 20 || vals[1].Error == "" {
				t.Fatalf("unexpected values %+v", vals)
			}

			if _, _, err := s.Run("missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRecentRunsNewestFirst(t *testing.T) {
	s := openTest(t, "sqlite")
	for _, id := range []string{"r1", "r2", "r3"} {
		if err := s.RecordRun(RunRecord{ID: id, Method: "local"}, nil); err != nil {
			t.Fatalf("RecordRun(%s): %v", id, err)
		}
	}
	runs, err := s.RecentRuns(2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r3" || runs[1].ID != "r2" {
		t.Fatalf("unexpected order %+v", runs)
	}
}

func TestRecordRunIsAtomic(t *testing.T) {
	s := openTest(t, "sqlite")
	dup := []SkyValue{{Image: "a"}, {Image: "a"}}
	if err := s.RecordRun(RunRecord{ID: "r1", Method: "local"}, dup); err == nil {
		t.Fatalf("expected duplicate image to fail")
	}
	if runs, _ := s.RecentRuns(10); len(runs) != 0 {
		t.Fatalf("failed run was persisted: %+v", runs)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openTest(t, "sqlite")
	if err := s.RecordJobQueued(JobRecord{ID: "j1", JobType: "match", Status: "queued", InputPath: "scene.yaml"}); err != nil {
		t.Fatalf("RecordJobQueued: %v", err)
	}
	if err := s.RecordJobStart("j1"); err != nil {
		t.Fatalf("RecordJobStart: %v", err)
	}
	if err := s.RecordJobResult("j1", "completed", map[string]any{"run_id": "r1"}, ""); err != nil {
		t.Fatalf("RecordJobResult: %v", err)
	}
	jobs, err := s.RecentJobs(5)
	if err != nil {
		t.Fatalf("RecentJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "completed" || jobs[0].StartedAt == nil || jobs[0].CompletedAt == nil {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	meta, err := s.JobMeta("j1")
	if err != nil || meta["run_id"] != "r1" {
		t.Fatalf("JobMeta: %v %v", meta, err)
	}
	if _, err := s.JobMeta("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("postgres", "x"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordRun(RunRecord{ID: "x"}, nil); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("nil store reads should fail")
	}
}
