// Package web is the read-only status API served while the watcher runs.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/oyanagi/dencal/internal/ledger"
	"github.com/oyanagi/dencal/internal/storage"
)

// Deps holds what the handlers need. Ledger may be nil when no monitor
// directory is configured.
type Deps struct {
	Store   *storage.Store
	Ledger  *ledger.Ledger
	Version string
}

// NewHandler builds the status router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Get("/runs", handleListRuns(deps))
	r.Get("/runs/{id}", handleGetRun(deps))
	r.Get("/ledger", handleLedger(deps))

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": deps.Version,
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				httpError(w, http.StatusBadRequest, "invalid limit %q", raw)
				return
			}
			limit = n
		}

		runs, err := deps.Store.ListRuns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "listing runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.Run{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		run, err := deps.Store.GetRun(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "run %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "loading run: %v", err)
			return
		}

		outcomes, err := deps.Store.ListOutcomes(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "loading outcomes: %v", err)
			return
		}
		if outcomes == nil {
			outcomes = []storage.EventOutcome{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": run, "outcomes": outcomes})
	}
}

func handleLedger(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ledger == nil {
			writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": deps.Ledger.Entries()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]string{"message": fmt.Sprintf(format, args...)},
	})
}
