package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the run history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "dencal.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Runs ---

// SaveRun persists one pipeline run and its per-account outcomes atomically.
func (s *Store) SaveRun(run Run, outcomes []EventOutcome) error {
	dates, err := json.Marshal(run.Dates)
	if err != nil {
		return fmt.Errorf("encoding dates: %w", err)
	}
	images, err := json.Marshal(run.Images)
	if err != nil {
		return fmt.Errorf("encoding images: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO runs (id, started_at, finished_at, trigger, images, success, reason, dates, dry_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Format(time.RFC3339), run.FinishedAt.UTC().Format(time.RFC3339),
		run.Trigger, string(images), run.Success, run.Reason, string(dates), run.DryRun,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting run: %w", err)
	}
	for _, out := range outcomes {
		if _, err := tx.Exec(`
			INSERT INTO event_outcomes (run_id, account_key, date, status, event_id, message)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, out.AccountKey, out.Date, out.Status, out.EventID, out.Message,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting outcome: %w", err)
		}
	}
	return tx.Commit()
}

// GetRun returns one run by id, or ErrNotFound.
func (s *Store) GetRun(id string) (Run, error) {
	var r Run
	var startedAt, finishedAt, images, dates string
	err := s.db.QueryRow(`
		SELECT id, started_at, finished_at, trigger, images, success, reason, dates, dry_run
		FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &startedAt, &finishedAt, &r.Trigger, &images, &r.Success, &r.Reason, &dates, &r.DryRun)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	if r.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.FinishedAt, err = time.Parse(time.RFC3339, finishedAt); err != nil {
		return Run{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	if err := json.Unmarshal([]byte(images), &r.Images); err != nil {
		return Run{}, fmt.Errorf("decoding images: %w", err)
	}
	if err := json.Unmarshal([]byte(dates), &r.Dates); err != nil {
		return Run{}, fmt.Errorf("decoding dates: %w", err)
	}
	return r, nil
}

// ListRuns returns up to limit runs, most recent first. limit <= 0 means no cap.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	q := `SELECT id, started_at, finished_at, trigger, images, success, reason, dates, dry_run
		FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedAt, finishedAt, images, dates string
		if err := rows.Scan(&r.ID, &startedAt, &finishedAt, &r.Trigger, &images, &r.Success, &r.Reason, &dates, &r.DryRun); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339, finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		if err := json.Unmarshal([]byte(images), &r.Images); err != nil {
			return nil, fmt.Errorf("decoding images: %w", err)
		}
		if err := json.Unmarshal([]byte(dates), &r.Dates); err != nil {
			return nil, fmt.Errorf("decoding dates: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListOutcomes returns the per-account outcomes recorded for a run, ordered
// by account then date.
func (s *Store) ListOutcomes(runID string) ([]EventOutcome, error) {
	rows, err := s.db.Query(`
		SELECT run_id, account_key, date, status, event_id, message
		FROM event_outcomes WHERE run_id = ? ORDER BY account_key, date`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []EventOutcome
	for rows.Next() {
		var o EventOutcome
		if err := rows.Scan(&o.RunID, &o.AccountKey, &o.Date, &o.Status, &o.EventID, &o.Message); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
