package storage

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id string) Run {
	return Run{
		ID:         id,
		StartedAt:  time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, 3, 10, 7, 1, 30, 0, time.UTC),
		Trigger:    "watch",
		Images:     []ImageRef{{Path: "/photos/calendar.jpg", Hash: "abc123"}},
		Success:    true,
		Dates:      []string{"2025-03-05", "2025-03-12"},
	}
}

func TestSaveRun_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	run := sampleRun("run-1")
	outcomes := []EventOutcome{
		{RunID: "run-1", AccountKey: "haha", Date: "2025-03-05", Status: "created", EventID: "ev1"},
		{RunID: "run-1", AccountKey: "haha", Date: "2025-03-12", Status: "skipped", Message: "event already exists"},
	}
	if err := s.SaveRun(run, outcomes); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if !reflect.DeepEqual(got, run) {
		t.Errorf("GetRun() = %+v, want %+v", got, run)
	}

	gotOutcomes, err := s.ListOutcomes("run-1")
	if err != nil {
		t.Fatalf("ListOutcomes() error = %v", err)
	}
	if !reflect.DeepEqual(gotOutcomes, outcomes) {
		t.Errorf("ListOutcomes() = %+v, want %+v", gotOutcomes, outcomes)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun() error = %v, want ErrNotFound", err)
	}
}

func TestListRuns_MostRecentFirst(t *testing.T) {
	s := openTestStore(t)

	older := sampleRun("run-old")
	older.StartedAt = time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC)
	newer := sampleRun("run-new")
	newer.StartedAt = time.Date(2025, 3, 20, 7, 0, 0, 0, time.UTC)

	if err := s.SaveRun(older, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRun(newer, nil); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListRuns() = %d runs, want 2", len(runs))
	}
	if runs[0].ID != "run-new" || runs[1].ID != "run-old" {
		t.Errorf("order = %s, %s", runs[0].ID, runs[1].ID)
	}

	limited, err := s.ListRuns(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != "run-new" {
		t.Errorf("ListRuns(1) = %+v", limited)
	}
}

func TestMigrationsApplied(t *testing.T) {
	s := openTestStore(t)

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count == 0 {
		t.Error("no migrations recorded")
	}
}
