package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oyanagi/dencal/internal/ledger"
	"github.com/oyanagi/dencal/internal/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePipeline struct {
	processFn func(paths []string) (workflow.RunResult, error)
	batches   [][]string
}

func (f *fakePipeline) ProcessImages(ctx context.Context, paths []string) (workflow.RunResult, error) {
	f.batches = append(f.batches, paths)
	if f.processFn == nil {
		return workflow.RunResult{RunID: "run", Success: true, Dates: []string{"2025-03-05"}}, nil
	}
	return f.processFn(paths)
}

func setupDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("content-"+name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestRunOnce_ProcessesWholeBatchInOneRun(t *testing.T) {
	dir := setupDir(t, "a.jpg", "b.png", "skip.txt")
	led := ledger.Open(filepath.Join(dir, "processed_files.json"), nil)
	pipe := &fakePipeline{}
	w := New(pipe, led, dir, time.Minute, discardLogger())

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}
	if len(pipe.batches) != 1 || len(pipe.batches[0]) != 2 {
		t.Errorf("batches = %v, want one batch of 2 images", pipe.batches)
	}
	if led.Len() != 2 {
		t.Errorf("ledger entries = %d, want 2", led.Len())
	}

	// Second scan finds nothing new.
	pipe.batches = nil
	n, err = w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || len(pipe.batches) != 0 {
		t.Errorf("second scan processed %d (%v), want 0", n, pipe.batches)
	}
}

func TestRunOnce_FailedRunRetriesNextScan(t *testing.T) {
	dir := setupDir(t, "a.jpg")
	led := ledger.Open(filepath.Join(dir, "processed_files.json"), nil)

	attempts := 0
	pipe := &fakePipeline{
		processFn: func(paths []string) (workflow.RunResult, error) {
			attempts++
			if attempts == 1 {
				return workflow.RunResult{}, errors.New("vision unavailable")
			}
			return workflow.RunResult{RunID: "run", Success: true}, nil
		},
	}
	w := New(pipe, led, dir, time.Minute, discardLogger())

	n, err := w.RunOnce(context.Background())
	if err == nil {
		t.Fatal("RunOnce() error = nil, want batch failure")
	}
	if n != 0 {
		t.Errorf("first scan processed = %d, want 0", n)
	}
	if led.Len() != 0 {
		t.Error("failed run was recorded in the ledger")
	}

	n, err = w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || led.Len() != 1 {
		t.Errorf("retry scan processed = %d, ledger = %d", n, led.Len())
	}
}

func TestRunOnce_DatelessRunStillMarksEveryFile(t *testing.T) {
	dir := setupDir(t, "a.jpg", "b.jpg")
	led := ledger.Open(filepath.Join(dir, "processed_files.json"), nil)
	pipe := &fakePipeline{
		processFn: func(paths []string) (workflow.RunResult, error) {
			return workflow.RunResult{RunID: "run", Success: false, Reason: "no dates detected"}, nil
		},
	}
	w := New(pipe, led, dir, time.Minute, discardLogger())

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || led.Len() != 2 {
		t.Errorf("processed = %d, ledger = %d; dateless run must mark every file", n, led.Len())
	}

	outcome := string(led.Entries()[0].Outcome)
	if !strings.Contains(outcome, "no dates detected") {
		t.Errorf("outcome = %s", outcome)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	dir := setupDir(t)
	led := ledger.Open(filepath.Join(dir, "processed_files.json"), nil)
	w := New(&fakePipeline{}, led, dir, 10*time.Millisecond, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want deadline exceeded", err)
	}
}

func TestNew_InvalidCronRejected(t *testing.T) {
	dir := setupDir(t)
	led := ledger.Open(filepath.Join(dir, "processed_files.json"), nil)
	w := New(&fakePipeline{}, led, dir, time.Minute, discardLogger(), WithCronSchedule("not a cron"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Run(ctx); err == nil {
		t.Error("Run() with invalid cron, want error")
	}
}
