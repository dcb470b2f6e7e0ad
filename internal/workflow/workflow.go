// Package workflow runs the full pipeline for a batch of images: vision
// analysis, response parsing, calendar reconciliation, history recording, and
// the completion mail.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/oyanagi/dencal/internal/analyze"
	"github.com/oyanagi/dencal/internal/config"
	"github.com/oyanagi/dencal/internal/ledger"
	"github.com/oyanagi/dencal/internal/notify"
	"github.com/oyanagi/dencal/internal/reconcile"
	"github.com/oyanagi/dencal/internal/storage"
)

// VisionPort is the model call that turns an image into response text.
type VisionPort interface {
	Analyze(ctx context.Context, image []byte) (string, error)
}

// Reconciler applies a set of dates to the configured calendars.
type Reconciler interface {
	Reconcile(ctx context.Context, dates []string) (reconcile.Result, error)
}

// MailPort delivers the completion mail. A nil MailPort disables mail.
type MailPort interface {
	Send(ctx context.Context, subject, body string) error
}

// RunStore persists run history. A nil RunStore disables history.
type RunStore interface {
	SaveRun(run storage.Run, outcomes []storage.EventOutcome) error
}

// ImageAnalysis is what one image of the batch contributed.
type ImageAnalysis struct {
	Path     string
	Hash     string
	Analysis analyze.Result
}

// RunResult is everything one run produced.
type RunResult struct {
	RunID          string
	Success        bool
	Reason         string
	Dates          []string
	Images         []ImageAnalysis
	Reconciliation reconcile.Result
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	vision     VisionPort
	reconciler Reconciler
	mailer     MailPort
	store      RunStore
	parser     *analyze.Parser
	accounts   []config.Account
	title      string
	trigger    string
	dryRun     bool
	logger     *slog.Logger
	now        func() time.Time
}

// SetTrigger labels runs in the history store; the watcher sets "watch".
func (o *Orchestrator) SetTrigger(trigger string) { o.trigger = trigger }

// New builds an orchestrator. mailer and store may be nil.
func New(vision VisionPort, reconciler Reconciler, mailer MailPort, store RunStore, accounts []config.Account, title string, dryRun bool, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		vision:     vision,
		reconciler: reconciler,
		mailer:     mailer,
		store:      store,
		parser:     analyze.NewParser(logger),
		accounts:   accounts,
		title:      title,
		trigger:    "manual",
		dryRun:     dryRun,
		logger:     logger,
		now:        time.Now,
	}
}

// ProcessImages runs one pipeline run over a batch of image files, unioning
// the dates each image yields. It returns an error only when the run could not
// complete (unreadable file, vision failure on any image); a run that
// completed but found no dates at all comes back with Success false and a nil
// error. Every completed run, successful or not, is recorded in the history
// store.
func (o *Orchestrator) ProcessImages(ctx context.Context, imagePaths []string) (RunResult, error) {
	started := o.now()
	result := RunResult{RunID: uuid.NewString()}

	// All inputs must be readable before the first model call: a partial
	// date set sourced from only some images must never reach the calendars.
	images := make([][]byte, 0, len(imagePaths))
	for _, path := range imagePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return result, fmt.Errorf("reading image: %w", err)
		}
		hash, err := ledger.HashFile(path)
		if err != nil {
			return result, fmt.Errorf("hashing image: %w", err)
		}
		images = append(images, data)
		result.Images = append(result.Images, ImageAnalysis{Path: path, Hash: hash})
	}

	dateSet := make(map[string]bool)
	for i := range result.Images {
		img := &result.Images[i]
		o.logger.Info("analyzing image", "run_id", result.RunID, "path", img.Path, "dry_run", o.dryRun)
		responseText, err := o.vision.Analyze(ctx, images[i])
		if err != nil {
			o.record(result, started)
			return result, fmt.Errorf("vision analysis of %s: %w", filepath.Base(img.Path), err)
		}
		img.Analysis = o.parser.Parse(responseText)
		for _, date := range img.Analysis.Dates {
			dateSet[date] = true
		}
	}

	for date := range dateSet {
		result.Dates = append(result.Dates, date)
	}
	sort.Strings(result.Dates)

	if len(result.Dates) == 0 {
		result.Reason = "no dates detected"
		o.logger.Warn("run ended without dates", "run_id", result.RunID, "images", len(result.Images))
		o.record(result, started)
		return result, nil
	}

	var err error
	if o.dryRun {
		result.Reconciliation = o.simulate(result.Dates)
	} else {
		result.Reconciliation, err = o.reconciler.Reconcile(ctx, result.Dates)
		if err != nil {
			o.record(result, started)
			return result, fmt.Errorf("reconciling calendars: %w", err)
		}
	}

	result.Success = true
	summary := result.Reconciliation.Summarize()
	o.logger.Info("run finished", "run_id", result.RunID,
		"dates", len(result.Dates), "created", summary.Created, "skipped", summary.Skipped, "errors", summary.Errors)

	o.record(result, started)
	o.notify(ctx, result)
	return result, nil
}

// simulate produces the outcomes a real reconciliation would create, without
// touching any calendar.
func (o *Orchestrator) simulate(dates []string) reconcile.Result {
	result := reconcile.Result{Accounts: make(map[string]map[string]reconcile.Outcome, len(o.accounts))}
	for _, acct := range o.accounts {
		result.Accounts[acct.Key] = make(map[string]reconcile.Outcome, len(dates))
		for _, date := range dates {
			o.logger.Info("would create event", "account", acct.Key, "date", date, "title", o.title)
			result.Accounts[acct.Key][date] = reconcile.Outcome{
				Status:  reconcile.StatusCreated,
				EventID: "dry-run-" + uuid.NewString(),
			}
		}
	}
	return result
}

func (o *Orchestrator) record(result RunResult, started time.Time) {
	if o.store == nil {
		return
	}
	refs := make([]storage.ImageRef, 0, len(result.Images))
	for _, img := range result.Images {
		refs = append(refs, storage.ImageRef{Path: img.Path, Hash: img.Hash})
	}
	run := storage.Run{
		ID:         result.RunID,
		StartedAt:  started,
		FinishedAt: o.now(),
		Trigger:    o.trigger,
		Images:     refs,
		Success:    result.Success,
		Reason:     result.Reason,
		Dates:      result.Dates,
		DryRun:     o.dryRun,
	}
	var outcomes []storage.EventOutcome
	for key, dates := range result.Reconciliation.Accounts {
		for date, out := range dates {
			outcomes = append(outcomes, storage.EventOutcome{
				RunID:      result.RunID,
				AccountKey: key,
				Date:       date,
				Status:     string(out.Status),
				EventID:    out.EventID,
				Message:    out.Message,
			})
		}
	}
	if err := o.store.SaveRun(run, outcomes); err != nil {
		o.logger.Error("recording run failed", "run_id", result.RunID, "error", err)
	}
}

// notify sends the completion mail. Failures are logged, never fatal, and dry
// runs stay silent.
func (o *Orchestrator) notify(ctx context.Context, result RunResult) {
	if o.mailer == nil || o.dryRun {
		return
	}
	names := make([]string, 0, len(result.Images))
	for _, img := range result.Images {
		names = append(names, filepath.Base(img.Path))
	}
	subject, body := notify.CompletionMessage(names, o.title, result.Dates, result.Reconciliation)
	if err := o.mailer.Send(ctx, subject, body); err != nil {
		o.logger.Error("sending completion mail failed", "run_id", result.RunID, "error", err)
	}
}
