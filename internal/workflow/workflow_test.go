package workflow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/oyanagi/dencal/internal/config"
	"github.com/oyanagi/dencal/internal/reconcile"
	"github.com/oyanagi/dencal/internal/storage"
)

// fakeVision returns responses in order, one per Analyze call; errs[i] takes
// precedence for call i.
type fakeVision struct {
	responses []string
	errs      []error
	calls     int
}

func (f *fakeVision) Analyze(ctx context.Context, image []byte) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", errors.New("unexpected vision call")
}

type fakeReconciler struct {
	result reconcile.Result
	err    error
	dates  []string
}

func (f *fakeReconciler) Reconcile(ctx context.Context, dates []string) (reconcile.Result, error) {
	f.dates = dates
	return f.result, f.err
}

type fakeMailer struct {
	subjects []string
}

func (f *fakeMailer) Send(ctx context.Context, subject, body string) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

var testAccounts = []config.Account{{Key: "haha"}, {Key: "chichi"}}

const goodResponse = `{
  "calendar_info": {"detected_year": 2025, "detected_month": 3, "detection_confidence": "high"},
  "found_dates": [
    {"day": 5, "confidence": "high"},
    {"day": 12, "confidence": "high"}
  ]
}`

const aprilResponse = `{
  "calendar_info": {"detected_year": 2025, "detected_month": 4, "detection_confidence": "high"},
  "found_dates": [
    {"day": 2, "confidence": "high"},
    {"day": 12, "confidence": "high"}
  ]
}`

func writeImage(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("fake-jpeg-"+name), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcessImages_FullRun(t *testing.T) {
	rec := &fakeReconciler{
		result: reconcile.Result{
			Accounts: map[string]map[string]reconcile.Outcome{
				"haha": {
					"2025-03-05": {Status: reconcile.StatusCreated, EventID: "ev1"},
					"2025-03-12": {Status: reconcile.StatusCreated, EventID: "ev2"},
				},
			},
		},
	}
	mailer := &fakeMailer{}
	store := openTestStore(t)
	o := New(&fakeVision{responses: []string{goodResponse}}, rec, mailer, store, testAccounts, "母出勤", false, slog.Default())

	result, err := o.ProcessImages(context.Background(), []string{writeImage(t, "calendar.jpg")})
	if err != nil {
		t.Fatalf("ProcessImages() error = %v", err)
	}
	if !result.Success {
		t.Error("Success = false")
	}
	if len(rec.dates) != 2 {
		t.Errorf("reconciled dates = %v", rec.dates)
	}
	if len(mailer.subjects) != 1 {
		t.Errorf("mail sent %d times, want 1", len(mailer.subjects))
	}

	// The run and its outcomes were recorded.
	run, err := store.GetRun(result.RunID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if !run.Success || len(run.Dates) != 2 || run.Trigger != "manual" {
		t.Errorf("recorded run = %+v", run)
	}
	if len(run.Images) != 1 || run.Images[0].Hash == "" {
		t.Errorf("recorded images = %+v", run.Images)
	}
	outcomes, err := store.ListOutcomes(result.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

func TestProcessImages_UnionsDatesAcrossImages(t *testing.T) {
	rec := &fakeReconciler{result: reconcile.Result{Accounts: map[string]map[string]reconcile.Outcome{}}}
	vision := &fakeVision{responses: []string{goodResponse, aprilResponse}}
	o := New(vision, rec, nil, nil, testAccounts, "母出勤", false, slog.Default())

	paths := []string{writeImage(t, "march.jpg"), writeImage(t, "april.jpg")}
	result, err := o.ProcessImages(context.Background(), paths)
	if err != nil {
		t.Fatalf("ProcessImages() error = %v", err)
	}
	if vision.calls != 2 {
		t.Errorf("vision called %d times, want one per image", vision.calls)
	}
	want := []string{"2025-03-05", "2025-03-12", "2025-04-02", "2025-04-12"}
	if !reflect.DeepEqual(result.Dates, want) {
		t.Errorf("Dates = %v, want %v", result.Dates, want)
	}
	if !reflect.DeepEqual(rec.dates, want) {
		t.Errorf("reconciled dates = %v, want the union", rec.dates)
	}
	if len(result.Images) != 2 {
		t.Errorf("Images = %+v", result.Images)
	}
}

func TestProcessImages_OneImageWithoutDatesIsNotAnError(t *testing.T) {
	rec := &fakeReconciler{result: reconcile.Result{Accounts: map[string]map[string]reconcile.Outcome{}}}
	vision := &fakeVision{responses: []string{"nothing found here", goodResponse}}
	o := New(vision, rec, nil, nil, testAccounts, "母出勤", false, slog.Default())

	paths := []string{writeImage(t, "blank.jpg"), writeImage(t, "march.jpg")}
	result, err := o.ProcessImages(context.Background(), paths)
	if err != nil {
		t.Fatalf("ProcessImages() error = %v", err)
	}
	if !result.Success || len(result.Dates) != 2 {
		t.Errorf("result = %+v, want the second image's dates", result)
	}
}

func TestProcessImages_NoDatesIsRecordedNotFatal(t *testing.T) {
	rec := &fakeReconciler{}
	mailer := &fakeMailer{}
	store := openTestStore(t)
	o := New(&fakeVision{responses: []string{"nothing found here"}}, rec, mailer, store, testAccounts, "母出勤", false, slog.Default())

	result, err := o.ProcessImages(context.Background(), []string{writeImage(t, "calendar.jpg")})
	if err != nil {
		t.Fatalf("ProcessImages() error = %v, want nil for a dateless run", err)
	}
	if result.Success {
		t.Error("Success = true, want false")
	}
	if result.Reason != "no dates detected" {
		t.Errorf("Reason = %q", result.Reason)
	}
	if rec.dates != nil {
		t.Errorf("reconciler called with %v, want no call", rec.dates)
	}
	if len(mailer.subjects) != 0 {
		t.Error("mail sent for a dateless run")
	}

	run, err := store.GetRun(result.RunID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Success || run.Reason != "no dates detected" {
		t.Errorf("recorded run = %+v", run)
	}
}

func TestProcessImages_DryRunSimulates(t *testing.T) {
	rec := &fakeReconciler{}
	mailer := &fakeMailer{}
	o := New(&fakeVision{responses: []string{goodResponse}}, rec, mailer, openTestStore(t), testAccounts, "母出勤", true, slog.Default())

	result, err := o.ProcessImages(context.Background(), []string{writeImage(t, "calendar.jpg")})
	if err != nil {
		t.Fatalf("ProcessImages() error = %v", err)
	}
	if rec.dates != nil {
		t.Error("real reconciler called during dry run")
	}
	if len(mailer.subjects) != 0 {
		t.Error("mail sent during dry run")
	}

	summary := result.Reconciliation.Summarize()
	if summary.Created != 4 {
		t.Errorf("Summarize() = %+v, want 2 accounts x 2 dates created", summary)
	}
	for _, dates := range result.Reconciliation.Accounts {
		for _, out := range dates {
			if !strings.HasPrefix(out.EventID, "dry-run-") {
				t.Errorf("EventID = %q, want dry-run marker", out.EventID)
			}
		}
	}
}

func TestProcessImages_VisionFailureOnAnyImageIsFatal(t *testing.T) {
	rec := &fakeReconciler{}
	vision := &fakeVision{
		responses: []string{goodResponse},
		errs:      []error{nil, errors.New("rate limited")},
	}
	o := New(vision, rec, nil, nil, testAccounts, "母出勤", false, slog.Default())

	paths := []string{writeImage(t, "march.jpg"), writeImage(t, "april.jpg")}
	if _, err := o.ProcessImages(context.Background(), paths); err == nil {
		t.Fatal("ProcessImages() error = nil, want vision failure")
	}
	if rec.dates != nil {
		t.Error("reconciler called although one image failed")
	}
}

func TestProcessImages_UnreadableFile(t *testing.T) {
	vision := &fakeVision{responses: []string{goodResponse}}
	o := New(vision, &fakeReconciler{}, nil, nil, testAccounts, "母出勤", false, slog.Default())

	paths := []string{writeImage(t, "ok.jpg"), filepath.Join(t.TempDir(), "missing.jpg")}
	if _, err := o.ProcessImages(context.Background(), paths); err == nil {
		t.Fatal("ProcessImages() error = nil, want read failure")
	}
	if vision.calls != 0 {
		t.Error("vision called although the batch had an unreadable file")
	}
}

func TestProcessImages_WatchTrigger(t *testing.T) {
	store := openTestStore(t)
	rec := &fakeReconciler{result: reconcile.Result{Accounts: map[string]map[string]reconcile.Outcome{}}}
	o := New(&fakeVision{responses: []string{goodResponse}}, rec, nil, store, testAccounts, "母出勤", false, slog.Default())
	o.SetTrigger("watch")

	result, err := o.ProcessImages(context.Background(), []string{writeImage(t, "calendar.jpg")})
	if err != nil {
		t.Fatal(err)
	}
	run, err := store.GetRun(result.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Trigger != "watch" {
		t.Errorf("Trigger = %q", run.Trigger)
	}
}
