// Package wal is an append-only decision log of served requests.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DecisionWAL appends one JSON line per served decision and fsyncs it.
// Files are per UTC day; the first append of a new day switches files.
type DecisionWAL struct {
	mu   sync.Mutex
	file *os.File
	path string
	day  string
	dir  string
	now  func() time.Time
}

const dayLayout = "20060102"

// Entry is a single WAL line.
type Entry struct {
	Timestamp time.Time       `json:"ts"`
	RequestID string          `json:"request_id"`
	Route     string          `json:"route"`
	ModelID   string          `json:"model_id,omitempty"`
	Body      json.RawMessage `json:"body"`
}

// Open creates or opens today's WAL file under dirPath.
func Open(dirPath string) (*DecisionWAL, error) {
	return open(dirPath, time.Now)
}

func open(dirPath string, now func() time.Time) (*DecisionWAL, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &DecisionWAL{dir: dirPath, now: now}
	if err := w.openDay(now().UTC().Format(dayLayout)); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *DecisionWAL) openDay(day string) error {
	walPath := filepath.Join(w.dir, fmt.Sprintf("decisions-%s.wal", day))
	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	w.file, w.path, w.day = file, walPath, day
	return nil
}

// Path returns the file currently appended to.
func (w *DecisionWAL) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Append writes an entry with fsync. A zero Timestamp is set to now. Body
// must be valid JSON.
func (w *DecisionWAL) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().UTC()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if day := now.Format(dayLayout); day != w.day {
		if err := w.rotate(day); err != nil {
			return err
		}
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode WAL entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Close flushes and closes the WAL.
func (w *DecisionWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// rotate closes the current file and opens the file for day. Callers hold
// mu.
func (w *DecisionWAL) rotate(day string) error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close current WAL: %w", err)
	}
	return w.openDay(day)
}

// Replay reads all entries from a WAL file. Malformed lines, such as a line
// torn by a crash, are skipped and counted.
func Replay(walPath string) (entries []Entry, skipped int, err error) {
	file, err := os.Open(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	return entries, skipped, scanner.Err()
}

// Files lists the WAL files under dir, oldest first.
func Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "decisions-*.wal"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
