package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentlab/intent/internal/risk"
)

func rec(session string, p float64) *Record {
	return &Record{SessionID: session, ModelID: "lr", Fingerprint: "fp", Probability: p, Label: p >= 0.5, Threshold: 0.5}
}

func TestMemoryStore_FirstWriteWins(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore("")
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, rec("s1", 0.8), time.Hour))
	require.NoError(t, s.Set(ctx, rec("s1", 0.1), time.Hour))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.8, got.Probability)

	missing, err := s.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Error(t, s.Set(ctx, &Record{}, time.Hour))
}

func TestMemoryStore_ConcurrentWritersAgree(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore("")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Set(ctx, rec("s1", float64(i)/32), time.Hour)
		}()
	}
	wg.Wait()

	first, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	for range 10 {
		again, err := s.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Same(t, first, again)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore("")
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, rec("s1", 0.8), time.Minute))
	now = now.Add(2 * time.Minute)

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, s.Len())

	// An expired record can be replaced.
	require.NoError(t, s.Set(ctx, rec("s1", 0.3), time.Minute))
	got, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.3, got.Probability)
}

func TestMemoryStore_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore("")
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, rec("short", 0.8), time.Minute))
	require.NoError(t, s.Set(ctx, rec("long", 0.4), time.Hour))
	now = now.Add(2 * time.Minute)

	n, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, s.store, 1)
	assert.Contains(t, s.store, "long")
}

type countingExpirer struct {
	calls chan struct{}
}

func (c countingExpirer) CleanupExpired(context.Context) (int64, error) {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	return 1, nil
}

func TestRunCleanup_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := countingExpirer{calls: make(chan struct{}, 16)}
	done := make(chan struct{})
	go func() {
		RunCleanup(ctx, e, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	for range 2 {
		select {
		case <-e.calls:
		case <-time.After(5 * time.Second):
			t.Fatal("cleanup never ran")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}

func TestRecord_Matches(t *testing.T) {
	r := rec("s1", 0.8)
	r.InputDigest = "d1"

	assert.True(t, r.Matches("lr", "fp", "d1"))
	assert.False(t, r.Matches("other", "fp", "d1"), "model")
	assert.False(t, r.Matches("lr", "fp2", "d1"), "params")
	assert.False(t, r.Matches("lr", "fp", "d2"), "input")
	assert.False(t, rec("s1", 0.8).Matches("lr", "fp", ""), "records without a digest never match")

	var none *Record
	assert.False(t, none.Matches("lr", "fp", "d1"))
}

func TestMemoryStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "predictions.json")

	s, err := NewMemoryStore(path)
	require.NoError(t, err)
	r := rec("s1", 0.9)
	r.Flag = &risk.Flag{ModelID: "lr", HighRisk: true, Score: 0.9, Band: risk.BandHigh}
	require.NoError(t, s.Set(ctx, r, time.Hour))
	require.NoError(t, s.Set(ctx, rec("gone", 0.2), -time.Second))
	require.NoError(t, s.Close())

	reloaded, err := NewMemoryStore(path)
	require.NoError(t, err)
	got, err := reloaded.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.9, got.Probability)
	require.NotNil(t, got.Flag)
	assert.Equal(t, risk.BandHigh, got.Flag.Band)
	assert.Equal(t, 1, reloaded.Len())
}

func TestRecordCodec(t *testing.T) {
	data, err := encodeRecord(rec("s1", 0.7))
	require.NoError(t, err)
	got, err := decodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "intent:prediction:s1", redisKey("s1"))

	_, err = encodeRecord(nil)
	assert.Error(t, err)
	_, err = decodeRecord([]byte("{"))
	assert.Error(t, err)
}
