package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	// Bodies containing the old field separator and spaces survive replay.
	bodies := []string{
		`{"session_id":"a|b","input":{"browser":"Chrome","age":40}}`,
		`{"note":"two words"}`,
	}
	for i, b := range bodies {
		require.NoError(t, w.Append(Entry{RequestID: string(rune('x' + i)), Route: "/v1/predict", Body: json.RawMessage(b)}))
	}
	path := w.Path()
	require.NoError(t, w.Close())

	entries, skipped, err := Replay(path)
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, entries, 2)
	assert.JSONEq(t, bodies[0], string(entries[0].Body))
	assert.JSONEq(t, bodies[1], string(entries[1].Body))
	assert.Equal(t, "/v1/predict", entries[0].Route)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestReplay_SkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(Entry{RequestID: "r1", Route: "/v1/explain", Body: json.RawMessage(`{}`)}))
	path := w.Path()
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":"2024-05-01T00:00:00Z","request_id":"r2","bo`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, skipped, err := Replay(path)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, skipped)
}

func TestReplay_MissingFile(t *testing.T) {
	entries, skipped, err := Replay("/nonexistent/decisions.wal")
	require.NoError(t, err)
	assert.Nil(t, entries)
	assert.Zero(t, skipped)
}

func TestAppend_SwitchesFileAtMidnight(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	w, err := open(dir, func() time.Time { return day })
	require.NoError(t, err)
	require.NoError(t, w.Append(Entry{RequestID: "r1", Body: json.RawMessage(`1`)}))
	first := w.Path()

	day = day.Add(time.Hour)
	require.NoError(t, w.Append(Entry{RequestID: "r2", Body: json.RawMessage(`2`)}))
	require.NoError(t, w.Append(Entry{RequestID: "r3", Body: json.RawMessage(`3`)}))
	require.NoError(t, w.Close())

	assert.NotEqual(t, first, w.Path())
	assert.Equal(t, filepath.Join(dir, "decisions-20240502.wal"), w.Path())
	files, err := Files(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{first, w.Path()}, files)

	entries, _, err := Replay(files[0])
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "r1", entries[0].RequestID)

	entries, _, err = Replay(files[1])
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r2", entries[0].RequestID)
}
