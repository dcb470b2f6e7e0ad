// Package ledger tracks which input files have already been processed. Identity
// is the SHA-256 of the file bytes, so a renamed copy is recognized while a
// same-named file with new content is picked up again.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested ledger entry does not exist.
var ErrNotFound = errors.New("ledger entry not found")

// Entry records one processed file. Entries are terminal: once a content hash
// is recorded it is never overwritten by a later run.
type Entry struct {
	FilePath    string          `json:"file_path"`
	FileName    string          `json:"file_name"`
	ProcessedAt time.Time       `json:"processed_at"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
}

// imageExtensions are the file types the watcher considers inputs.
var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".bmp": {}, ".gif": {}, ".heic": {},
}

// Ledger is a JSON-file-backed processed-file registry. It is not safe for use
// from multiple processes pointed at the same file.
type Ledger struct {
	path    string
	entries map[string]Entry
	logger  *slog.Logger
}

// Open loads the ledger at path. A missing or corrupt file is treated as an
// empty ledger so the watcher stays self-healing.
func Open(path string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{path: path, entries: map[string]Entry{}, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("ledger unreadable, starting empty", "path", path, "error", err)
		}
		return l
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		logger.Warn("ledger corrupt, starting empty", "path", path, "error", err)
		l.entries = map[string]Entry{}
	}
	return l
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// HashFile returns the hex SHA-256 of the file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsProcessed reports whether the content of the file at path has already been
// processed, regardless of its current name or location.
func (l *Ledger) IsProcessed(path string) (bool, error) {
	hash, err := HashFile(path)
	if err != nil {
		return false, err
	}
	_, ok := l.entries[hash]
	return ok, nil
}

// MarkProcessed records the file's content hash with the given outcome and
// persists the ledger. An existing entry for the same hash is kept untouched.
func (l *Ledger) MarkProcessed(path string, outcome any) error {
	hash, err := HashFile(path)
	if err != nil {
		return err
	}
	if _, exists := l.entries[hash]; exists {
		return nil
	}

	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}
	l.entries[hash] = Entry{
		FilePath:    path,
		FileName:    filepath.Base(path),
		ProcessedAt: time.Now().UTC(),
		Outcome:     raw,
	}
	return l.save()
}

// Remove deletes the entry for hash so its file will be reprocessed. Used by
// the ledger CLI, not the pipeline.
func (l *Ledger) Remove(hash string) error {
	if _, ok := l.entries[hash]; !ok {
		return ErrNotFound
	}
	delete(l.entries, hash)
	return l.save()
}

// Record pairs an entry with its content hash for listing.
type Record struct {
	Hash string `json:"hash"`
	Entry
}

// Entries returns all entries, most recent first.
func (l *Ledger) Entries() []Record {
	out := make([]Record, 0, len(l.entries))
	for h, e := range l.entries {
		out = append(out, Record{Hash: h, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProcessedAt.After(out[j].ProcessedAt)
	})
	return out
}

// UnprocessedUnder walks root and returns image files whose content is not yet
// recorded. One full pass per invocation; order is the walk order.
func (l *Ledger) UnprocessedUnder(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("monitor path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("monitor path %s is not a directory", root)
	}

	var unprocessed []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			l.logger.Warn("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if d.IsDir() || !isImageFile(path) {
			return nil
		}
		hash, hashErr := HashFile(path)
		if hashErr != nil {
			l.logger.Warn("skipping unhashable file", "path", path, "error", hashErr)
			return nil
		}
		if _, done := l.entries[hash]; !done {
			unprocessed = append(unprocessed, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	return unprocessed, nil
}

func isImageFile(path string) bool {
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// save writes the ledger atomically: temp file in the same directory, then
// rename over the target.
func (l *Ledger) save() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}

	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return fmt.Errorf("creating temp ledger: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing ledger: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing ledger: %w", err)
	}
	return nil
}
