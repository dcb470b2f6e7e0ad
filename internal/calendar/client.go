// Package calendar is the Google Calendar v3 REST client used by the
// reconciliation engine and the cleanup utility. One authenticated handle per
// account is built up front and reused for the whole run.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oyanagi/dencal/internal/config"
	"github.com/oyanagi/dencal/internal/googleauth"
)

const defaultBaseURL = "https://www.googleapis.com/calendar/v3"

// Event is the slice of a calendar event the pipeline cares about. Exactly one
// of StartDate (all-day) and StartDateTime (timed) is set; neither means the
// start was unparsable.
type Event struct {
	ID            string
	Summary       string
	StartDate     string
	StartDateTime time.Time
}

// APIError is a non-2xx response from the calendar API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("calendar API returned %d: %s", e.Status, e.Body)
}

// IsConflict reports whether err is a provider-side duplicate/conflict
// rejection of a create call.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// IsAuthError reports whether err is an authentication failure, either from
// the token source or an API 401/403.
func IsAuthError(err error) bool {
	if errors.Is(err, googleauth.ErrAuth) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden)
}

// tokenSource abstracts googleauth.Source for tests.
type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the calendar API on behalf of the configured accounts.
type Client struct {
	baseURL    string
	timeZone   string
	sources    map[string]tokenSource
	httpClient *http.Client
}

// NewClient builds a client with one token source per account. timeZone is
// attached to created events (the calendars are owned by users in one zone).
func NewClient(accounts []config.Account, timeZone string) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		timeZone:   timeZone,
		sources:    make(map[string]tokenSource, len(accounts)),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, acct := range accounts {
		c.sources[acct.Key] = googleauth.NewSource(acct.TokenFile)
	}
	return c
}

// NewClientWithBaseURL points the client at a custom endpoint (for testing).
func NewClientWithBaseURL(accounts []config.Account, timeZone, baseURL string) *Client {
	c := NewClient(accounts, timeZone)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// ListEvents returns the single-instance events of the account's calendar
// whose start falls inside [timeMin, timeMax), following result pages.
func (c *Client) ListEvents(ctx context.Context, acct config.Account, timeMin, timeMax time.Time) ([]Event, error) {
	var events []Event
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("timeMin", timeMin.UTC().Format(time.RFC3339))
		q.Set("timeMax", timeMax.UTC().Format(time.RFC3339))
		q.Set("singleEvents", "true")
		q.Set("orderBy", "startTime")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		path := fmt.Sprintf("/calendars/%s/events?%s", url.PathEscape(acct.CalendarID), q.Encode())

		var page struct {
			Items []struct {
				ID      string `json:"id"`
				Summary string `json:"summary"`
				Start   struct {
					Date     string `json:"date"`
					DateTime string `json:"dateTime"`
				} `json:"start"`
			} `json:"items"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := c.do(ctx, acct, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			ev := Event{ID: item.ID, Summary: item.Summary, StartDate: item.Start.Date}
			if item.Start.DateTime != "" {
				if t, err := time.Parse(time.RFC3339, item.Start.DateTime); err == nil {
					ev.StartDateTime = t
				}
			}
			events = append(events, ev)
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			return events, nil
		}
	}
}

// CreateAllDay inserts an all-day event spanning exactly date (ISO form). The
// end date is the exclusive next day per the provider convention; reminders
// are disabled.
func (c *Client) CreateAllDay(ctx context.Context, acct config.Account, date, title, description string) (string, error) {
	start, err := time.Parse("2006-01-02", date)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", date, err)
	}
	end := start.AddDate(0, 0, 1).Format("2006-01-02")

	body := map[string]any{
		"summary":     title,
		"description": description,
		"start":       map[string]string{"date": date, "timeZone": c.timeZone},
		"end":         map[string]string{"date": end, "timeZone": c.timeZone},
		"reminders":   map[string]any{"useDefault": false, "overrides": []any{}},
	}

	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(acct.CalendarID))
	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, acct, http.MethodPost, path, body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// DeleteEvent removes an event by id. Used by the cleanup utility only.
func (c *Client) DeleteEvent(ctx context.Context, acct config.Account, eventID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(acct.CalendarID), url.PathEscape(eventID))
	return c.do(ctx, acct, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, acct config.Account, method, path string, body, out any) error {
	src, ok := c.sources[acct.Key]
	if !ok {
		return fmt.Errorf("%w: no token source for account %s", googleauth.ErrAuth, acct.Key)
	}
	token, err := src.Token(ctx)
	if err != nil {
		return fmt.Errorf("account %s: %w", acct.Key, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding calendar response: %w", err)
	}
	return nil
}
