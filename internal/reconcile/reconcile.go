// Package reconcile turns a set of detected dates into the calendar writes
// needed to make every account carry the marker event exactly once.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oyanagi/dencal/internal/calendar"
	"github.com/oyanagi/dencal/internal/config"
)

// CalendarPort is the slice of the calendar client the engine needs.
type CalendarPort interface {
	ListEvents(ctx context.Context, acct config.Account, timeMin, timeMax time.Time) ([]calendar.Event, error)
	CreateAllDay(ctx context.Context, acct config.Account, date, title, description string) (string, error)
}

// Status classifies what happened to one account/date pair.
type Status string

const (
	StatusCreated Status = "created"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Outcome is the result for one account/date pair.
type Outcome struct {
	Status  Status `json:"status"`
	EventID string `json:"event_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Result maps account key to date to outcome for a full reconciliation pass.
type Result struct {
	Accounts map[string]map[string]Outcome `json:"accounts"`
}

// Summary aggregates a Result into counts.
type Summary struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Summarize tallies the outcomes across all accounts and dates.
func (r Result) Summarize() Summary {
	var s Summary
	for _, dates := range r.Accounts {
		for _, out := range dates {
			switch out.Status {
			case StatusCreated:
				s.Created++
			case StatusSkipped:
				s.Skipped++
			case StatusError:
				s.Errors++
			}
		}
	}
	return s
}

// Engine reconciles detected dates against the configured accounts.
type Engine struct {
	cal               CalendarPort
	accounts          []config.Account
	loc               *time.Location
	title             string
	description       string
	crossAccountDedup bool
	logger            *slog.Logger
}

// Option adjusts engine behavior.
type Option func(*Engine)

// WithoutCrossAccountDedup makes each account independent: an event held by
// one account no longer suppresses creation on the others.
func WithoutCrossAccountDedup() Option {
	return func(e *Engine) { e.crossAccountDedup = false }
}

// NewEngine builds an engine over the given accounts. Accounts are handled in
// the order given; loc defines what "the same day" means.
func NewEngine(cal CalendarPort, accounts []config.Account, loc *time.Location, title, description string, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cal:               cal,
		accounts:          accounts,
		loc:               loc,
		title:             title,
		description:       description,
		crossAccountDedup: true,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile ensures the marker event exists on every account for every date.
// An account whose listing or authentication fails is marked errored for all
// dates and the remaining accounts proceed. Reconcile itself only fails on
// malformed input.
func (e *Engine) Reconcile(ctx context.Context, dates []string) (Result, error) {
	result := Result{Accounts: make(map[string]map[string]Outcome, len(e.accounts))}
	if len(dates) == 0 {
		return result, nil
	}

	sorted := append([]string(nil), dates...)
	sort.Strings(sorted)

	windowMin, _, err := calendar.DayWindow(sorted[0], e.loc)
	if err != nil {
		return result, err
	}
	_, windowMax, err := calendar.DayWindow(sorted[len(sorted)-1], e.loc)
	if err != nil {
		return result, err
	}

	// One listing per account covering every target day.
	existing := make(map[string]map[string]bool, len(e.accounts))
	failed := make(map[string]error, len(e.accounts))
	for _, acct := range e.accounts {
		events, err := e.cal.ListEvents(ctx, acct, windowMin, windowMax)
		if err != nil {
			e.logger.Error("listing events failed", "account", acct.Key, "error", err)
			failed[acct.Key] = err
			continue
		}
		held := make(map[string]bool)
		for _, date := range sorted {
			for _, ev := range events {
				if ev.Summary == e.title && calendar.OnDay(ev, date, e.loc) {
					held[date] = true
					break
				}
			}
		}
		existing[acct.Key] = held
	}

	for _, acct := range e.accounts {
		result.Accounts[acct.Key] = make(map[string]Outcome, len(sorted))
		if err, ok := failed[acct.Key]; ok {
			for _, date := range sorted {
				result.Accounts[acct.Key][date] = Outcome{Status: StatusError, Message: err.Error()}
			}
		}
	}

	for _, date := range sorted {
		holder := ""
		if e.crossAccountDedup {
			for _, acct := range e.accounts {
				if existing[acct.Key][date] {
					holder = acct.Key
					break
				}
			}
		}

		for _, acct := range e.accounts {
			if _, ok := failed[acct.Key]; ok {
				continue
			}
			switch {
			case existing[acct.Key][date]:
				result.Accounts[acct.Key][date] = Outcome{Status: StatusSkipped, Message: "event already exists"}
			case holder != "":
				result.Accounts[acct.Key][date] = Outcome{
					Status:  StatusSkipped,
					Message: fmt.Sprintf("event already exists on account %s", holder),
				}
			default:
				id, err := e.cal.CreateAllDay(ctx, acct, date, e.title, e.description)
				if err != nil {
					if calendar.IsConflict(err) {
						e.logger.Warn("create conflicted, treating as existing", "account", acct.Key, "date", date)
						result.Accounts[acct.Key][date] = Outcome{Status: StatusSkipped, Message: "event already exists"}
						continue
					}
					e.logger.Error("creating event failed", "account", acct.Key, "date", date, "error", err)
					result.Accounts[acct.Key][date] = Outcome{Status: StatusError, Message: err.Error()}
					continue
				}
				e.logger.Info("event created", "account", acct.Key, "date", date, "event_id", id)
				result.Accounts[acct.Key][date] = Outcome{Status: StatusCreated, EventID: id}
			}
		}
	}

	return result, nil
}
