// Package cleanup finds days where an account carries the marker event more
// than once and removes the extras.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oyanagi/dencal/internal/calendar"
	"github.com/oyanagi/dencal/internal/config"
)

// CalendarPort is the slice of the calendar client the cleaner needs.
type CalendarPort interface {
	ListEvents(ctx context.Context, acct config.Account, timeMin, timeMax time.Time) ([]calendar.Event, error)
	DeleteEvent(ctx context.Context, acct config.Account, eventID string) error
}

// Keep selects which duplicate survives on a day.
type Keep string

const (
	KeepFirst Keep = "first"
	KeepLast  Keep = "last"
)

// Deletion is one event scheduled for removal.
type Deletion struct {
	Date    string `json:"date"`
	EventID string `json:"event_id"`
	Summary string `json:"summary"`
}

// Plan lists the deletions per account key. An empty plan means no duplicates.
type Plan struct {
	Accounts map[string][]Deletion `json:"accounts"`
}

// Total returns the number of deletions across all accounts.
func (p Plan) Total() int {
	n := 0
	for _, ds := range p.Accounts {
		n += len(ds)
	}
	return n
}

// Cleaner scans and repairs one month of calendar state.
type Cleaner struct {
	cal      CalendarPort
	accounts []config.Account
	loc      *time.Location
	title    string
	logger   *slog.Logger
}

// New builds a cleaner over the given accounts.
func New(cal CalendarPort, accounts []config.Account, loc *time.Location, title string, logger *slog.Logger) *Cleaner {
	return &Cleaner{cal: cal, accounts: accounts, loc: loc, title: title, logger: logger}
}

// Plan lists every account's marker events for the month and schedules all
// but one per day for deletion. Accounts are scanned concurrently; any
// listing failure aborts the plan since a partial plan could delete the
// wrong copy.
func (c *Cleaner) Plan(ctx context.Context, year, month int, keep Keep) (Plan, error) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, c.loc)
	end := start.AddDate(0, 1, 0)

	plan := Plan{Accounts: make(map[string][]Deletion, len(c.accounts))}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, acct := range c.accounts {
		g.Go(func() error {
			events, err := c.cal.ListEvents(ctx, acct, start, end)
			if err != nil {
				return fmt.Errorf("account %s: %w", acct.Key, err)
			}

			// Listing order is start-time order, so within a day the
			// slice order is creation order for identical all-day events.
			byDay := make(map[string][]calendar.Event)
			var days []string
			for _, ev := range events {
				if ev.Summary != c.title {
					continue
				}
				day := localDay(ev, c.loc)
				if day == "" {
					continue
				}
				if _, seen := byDay[day]; !seen {
					days = append(days, day)
				}
				byDay[day] = append(byDay[day], ev)
			}
			sort.Strings(days)

			var deletions []Deletion
			for _, day := range days {
				dupes := byDay[day]
				if len(dupes) < 2 {
					continue
				}
				var extra []calendar.Event
				if keep == KeepLast {
					extra = dupes[:len(dupes)-1]
				} else {
					extra = dupes[1:]
				}
				for _, ev := range extra {
					deletions = append(deletions, Deletion{Date: day, EventID: ev.ID, Summary: ev.Summary})
				}
			}

			if len(deletions) > 0 {
				mu.Lock()
				plan.Accounts[acct.Key] = deletions
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// Apply executes the plan and returns the number of events deleted. It stops
// at the first failure so a rerun can re-plan from current state.
func (c *Cleaner) Apply(ctx context.Context, plan Plan) (int, error) {
	accounts := make(map[string]config.Account, len(c.accounts))
	for _, acct := range c.accounts {
		accounts[acct.Key] = acct
	}

	deleted := 0
	for key, deletions := range plan.Accounts {
		acct, ok := accounts[key]
		if !ok {
			return deleted, fmt.Errorf("plan references unknown account %s", key)
		}
		for _, d := range deletions {
			if err := c.cal.DeleteEvent(ctx, acct, d.EventID); err != nil {
				return deleted, fmt.Errorf("deleting %s on %s (%s): %w", d.EventID, key, d.Date, err)
			}
			c.logger.Info("duplicate removed", "account", key, "date", d.Date, "event_id", d.EventID)
			deleted++
		}
	}
	return deleted, nil
}

func localDay(ev calendar.Event, loc *time.Location) string {
	if ev.StartDate != "" {
		return ev.StartDate
	}
	if !ev.StartDateTime.IsZero() {
		return ev.StartDateTime.In(loc).Format("2006-01-02")
	}
	return ""
}
