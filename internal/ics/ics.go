// Package ics renders created events from the run history as an iCalendar
// document, so a run can be re-imported into any calendar app by hand.
package ics

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/oyanagi/dencal/internal/storage"
)

// Export renders every created outcome as an all-day VEVENT. Skipped and
// errored outcomes are left out; the document describes what the run actually
// put on the calendars.
func Export(run storage.Run, outcomes []storage.EventOutcome, title string) (string, error) {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//dencal//run export//JA")

	count := 0
	for _, out := range outcomes {
		if out.Status != "created" {
			continue
		}
		start, err := time.Parse("2006-01-02", out.Date)
		if err != nil {
			return "", fmt.Errorf("invalid date %q in run %s: %w", out.Date, run.ID, err)
		}

		uid := out.EventID
		if uid == "" {
			uid = fmt.Sprintf("%s-%s-%s", run.ID, out.AccountKey, out.Date)
		}
		ev := cal.AddEvent(uid)
		ev.SetSummary(title)
		ev.SetDescription(fmt.Sprintf("account: %s", out.AccountKey))
		ev.SetAllDayStartAt(start)
		ev.SetAllDayEndAt(start.AddDate(0, 0, 1))
		ev.SetDtStampTime(run.FinishedAt)
		count++
	}

	if count == 0 {
		return "", fmt.Errorf("run %s has no created events", run.ID)
	}
	return cal.Serialize(), nil
}
