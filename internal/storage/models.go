package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ImageRef identifies one input image of a run by path and content hash.
type ImageRef struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// Run is one pipeline execution, whether triggered manually or by the watcher.
// A run may cover several images; their detected dates are unioned.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Trigger    string     `json:"trigger"`
	Images     []ImageRef `json:"images"`
	Success    bool       `json:"success"`
	Reason     string     `json:"reason,omitempty"`
	Dates      []string   `json:"dates"`
	DryRun     bool       `json:"dry_run"`
}

// EventOutcome is what happened for one account and one detected date.
type EventOutcome struct {
	RunID      string `json:"run_id"`
	AccountKey string `json:"account_key"`
	Date       string `json:"date"`
	Status     string `json:"status"`
	EventID    string `json:"event_id,omitempty"`
	Message    string `json:"message,omitempty"`
}
