// Package watcher polls the monitored directory for calendar photos that the
// ledger has not seen yet and feeds them through the pipeline.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oyanagi/dencal/internal/ledger"
	"github.com/oyanagi/dencal/internal/workflow"
)

// Pipeline processes a batch of images end to end in one run.
type Pipeline interface {
	ProcessImages(ctx context.Context, paths []string) (workflow.RunResult, error)
}

// Watcher repeatedly scans a directory and processes new images in batch.
type Watcher struct {
	pipeline Pipeline
	ledger   *ledger.Ledger
	root     string
	interval time.Duration
	cronSpec string
	logger   *slog.Logger
}

// Option adjusts watcher behavior.
type Option func(*Watcher)

// WithCronSchedule replaces fixed-interval polling with a cron expression
// (standard five-field syntax).
func WithCronSchedule(spec string) Option {
	return func(w *Watcher) { w.cronSpec = spec }
}

// New creates a Watcher scanning root. If interval is <= 0, it defaults to
// five minutes.
func New(pipeline Pipeline, led *ledger.Ledger, root string, interval time.Duration, logger *slog.Logger, opts ...Option) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	w := &Watcher{
		pipeline: pipeline,
		ledger:   led,
		root:     root,
		interval: interval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run scans until ctx is cancelled, once immediately and then on the
// configured schedule.
func (w *Watcher) Run(ctx context.Context) error {
	if w.cronSpec != "" {
		return w.runCron(ctx)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.interval):
		}
	}
}

func (w *Watcher) runCron(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(w.cronSpec, func() {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("scan failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", w.cronSpec, err)
	}

	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return ctx.Err()
}

// scanOutcome is the batch result written to the ledger for every file of a scan.
type scanOutcome struct {
	RunID   string   `json:"run_id"`
	Success bool     `json:"success"`
	Reason  string   `json:"reason,omitempty"`
	Dates   []string `json:"dates,omitempty"`
	Created int      `json:"created"`
	Skipped int      `json:"skipped"`
	Errors  int      `json:"errors"`
}

// RunOnce scans the directory once and feeds every unseen image through the
// pipeline as one batch. Returns the number of images marked processed. When
// the batch run fails outright, no file is marked and the next scan retries
// the whole batch; a run that completed without dates still marks every file
// so the same photos are not re-sent to the model forever.
func (w *Watcher) RunOnce(ctx context.Context) (int, error) {
	paths, err := w.ledger.UnprocessedUnder(w.root)
	if err != nil {
		return 0, fmt.Errorf("scanning %s: %w", w.root, err)
	}
	if len(paths) == 0 {
		return 0, nil
	}

	w.logger.Info("found new images", "count", len(paths))

	result, err := w.pipeline.ProcessImages(ctx, paths)
	if err != nil {
		return 0, fmt.Errorf("processing batch: %w", err)
	}

	summary := result.Reconciliation.Summarize()
	outcome := scanOutcome{
		RunID:   result.RunID,
		Success: result.Success,
		Reason:  result.Reason,
		Dates:   result.Dates,
		Created: summary.Created,
		Skipped: summary.Skipped,
		Errors:  summary.Errors,
	}

	processed := 0
	for _, path := range paths {
		if err := w.ledger.MarkProcessed(path, outcome); err != nil {
			w.logger.Error("recording in ledger failed", "path", path, "error", err)
			continue
		}
		processed++
	}

	return processed, nil
}
