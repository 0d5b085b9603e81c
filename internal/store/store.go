// Package store keeps served prediction records keyed by session id so
// repeated requests for the same session get the same answer.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/intentlab/intent/internal/risk"
)

// Record is a served prediction.
type Record struct {
	SessionID     string     `json:"session_id"`
	ModelID       string     `json:"model_id"`
	Fingerprint   string     `json:"fingerprint"`
	ParamsVersion string     `json:"params_version"`
	InputDigest   string     `json:"input_digest"`
	Probability   float64    `json:"probability"`
	Label         bool       `json:"label"`
	Threshold     float64    `json:"threshold"`
	Flag          *risk.Flag `json:"flag,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Matches reports whether r answers a request for the given model, params
// fingerprint and validated input digest. A nil record matches nothing.
func (r *Record) Matches(modelID, fingerprint, inputDigest string) bool {
	return r != nil && inputDigest != "" &&
		r.ModelID == modelID &&
		r.Fingerprint == fingerprint &&
		r.InputDigest == inputDigest
}

// Store provides idempotent storage of prediction records.
type Store interface {
	// Get retrieves a stored record by session id. Returns nil if not found.
	Get(ctx context.Context, sessionID string) (*Record, error)

	// Set stores a record with TTL. First write wins: a live record for the
	// same session is never replaced.
	Set(ctx context.Context, rec *Record, ttl time.Duration) error

	// Close releases resources.
	Close() error
}

// Expirer is implemented by stores that keep expired records until purged.
// Redis expires keys itself and does not implement it.
type Expirer interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

var (
	_ Expirer = (*MemoryStore)(nil)
	_ Expirer = (*PostgresStore)(nil)
)

// RunCleanup purges expired records every interval until ctx is done.
func RunCleanup(ctx context.Context, e Expirer, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.CleanupExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("store cleanup failed", "error", err)
				}
				continue
			}
			if n > 0 {
				logger.Debug("expired records removed", "count", n)
			}
		}
	}
}

// MemoryStore is an in-memory store with optional file snapshot.
type MemoryStore struct {
	mu       sync.RWMutex
	store    map[string]*entry
	snapshot string // optional file path for persistence
	now      func() time.Time
}

type entry struct {
	Record    *Record   `json:"record"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewMemoryStore creates an in-memory store, loading snapshotPath when it
// exists.
func NewMemoryStore(snapshotPath string) (*MemoryStore, error) {
	ms := &MemoryStore{
		store:    make(map[string]*entry),
		snapshot: snapshotPath,
		now:      time.Now,
	}
	if snapshotPath != "" {
		if err := ms.loadSnapshot(); err != nil {
			return nil, err
		}
	}
	return ms, nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.store[sessionID]
	if !ok || !m.now().Before(e.ExpiresAt) {
		return nil, nil
	}
	return e.Record, nil
}

func (m *MemoryStore) Set(_ context.Context, rec *Record, ttl time.Duration) error {
	if rec == nil || rec.SessionID == "" {
		return fmt.Errorf("store: record needs a session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, exists := m.store[rec.SessionID]; exists && now.Before(e.ExpiresAt) {
		return nil
	}
	m.store[rec.SessionID] = &entry{Record: rec, ExpiresAt: now.Add(ttl)}
	return nil
}

// Len returns the number of live records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	n := 0
	for _, e := range m.store {
		if now.Before(e.ExpiresAt) {
			n++
		}
	}
	return n
}

// CleanupExpired drops expired records and returns how many were removed.
func (m *MemoryStore) CleanupExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for k, e := range m.store {
		if !now.Before(e.ExpiresAt) {
			delete(m.store, k)
			n++
		}
	}
	return n, nil
}

// Flush writes the snapshot, if one is configured.
func (m *MemoryStore) Flush() error {
	if m.snapshot == "" {
		return nil
	}
	return m.saveSnapshot()
}

func (m *MemoryStore) Close() error {
	return m.Flush()
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snapshot map[string]*entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, v := range snapshot {
		if v != nil && now.Before(v.ExpiresAt) {
			m.store[k] = v
		}
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	now := m.now()
	toSave := make(map[string]*entry, len(m.store))
	for k, v := range m.store {
		if now.Before(v.ExpiresAt) {
			toSave[k] = v
		}
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(toSave, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.snapshot), 0o755); err != nil {
		return err
	}
	// Write then rename so a crash never leaves a torn snapshot.
	tmp := m.snapshot + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.snapshot)
}
