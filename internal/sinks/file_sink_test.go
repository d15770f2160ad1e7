package sinks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditcore/pkg/types"
)

func fileBatch(t *testing.T, id string, records ...*types.LogRecord) *types.Batch {
	t.Helper()
	entries := make([]types.BufferEntry, len(records))
	for i, r := range records {
		entries[i] = types.BufferEntry{Record: r, SizeEstimate: 32, TrackID: uint64(i + 1)}
	}
	return &types.Batch{ID: id, Entries: entries, Status: types.BatchPending, CreatedAt: time.Now()}
}

func fileRecord(t *testing.T, module, message string, ctx map[string]interface{}) *types.LogRecord {
	t.Helper()
	r, err := types.NewLogRecord(types.LevelInfo, module, message, ctx)
	require.NoError(t, err)
	return r
}

func newTestFileSink(t *testing.T, mutate func(*FileConfig)) *FileSink {
	t.Helper()
	config := FileConfig{Dir: t.TempDir()}
	if mutate != nil {
		mutate(&config)
	}
	sink, err := NewFileSink(config, testLogger())
	require.NoError(t, err)
	require.NoError(t, sink.Start(context.Background()))
	t.Cleanup(func() { _ = sink.Stop() })
	return sink
}

func TestFileSink_RoundTrip(t *testing.T) {
	sink := newTestFileSink(t, nil)

	rec := fileRecord(t, "auth", "login ok", map[string]interface{}{"user": "u1", "tries": float64(2)})
	require.NoError(t, sink.Write(context.Background(), fileBatch(t, "b1", rec)))

	path := filepath.Join(sink.config.Dir, "auth", rec.Timestamp.Format("2006-01-02")+".log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &parsed))
	assert.Equal(t, "INFO", parsed["level"])
	assert.Equal(t, "auth", parsed["module"])
	assert.Equal(t, "login ok", parsed["message"])
	assert.Equal(t, map[string]interface{}{"user": "u1", "tries": float64(2)}, parsed["context"])
}

func TestFileSink_ModuleNameSanitization(t *testing.T) {
	sink := newTestFileSink(t, nil)

	rec := fileRecord(t, "billing/../secrets", "x", nil)
	require.NoError(t, sink.Write(context.Background(), fileBatch(t, "b1", rec)))

	day := rec.Timestamp.Format("2006-01-02")
	path := filepath.Join(sink.config.Dir, "billing____secrets", day+".log")
	_, err := os.Stat(path)
	assert.NoError(t, err, "path characters outside [A-Za-z0-9_-] become underscores")
}

func TestFileSink_CoalescesByModule(t *testing.T) {
	sink := newTestFileSink(t, nil)

	batch := fileBatch(t, "b1",
		fileRecord(t, "auth", "a1", nil),
		fileRecord(t, "billing", "b1", nil),
		fileRecord(t, "auth", "a2", nil),
	)
	require.NoError(t, sink.Write(context.Background(), batch))

	day := batch.Entries[0].Record.Timestamp.Format("2006-01-02")
	authData, err := os.ReadFile(filepath.Join(sink.config.Dir, "auth", day+".log"))
	require.NoError(t, err)
	authLines := strings.Split(strings.TrimSpace(string(authData)), "\n")
	require.Len(t, authLines, 2)
	assert.Contains(t, authLines[0], "a1")
	assert.Contains(t, authLines[1], "a2")

	billingData, err := os.ReadFile(filepath.Join(sink.config.Dir, "billing", day+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(billingData), "b1")
}

func TestFileSink_DuplicateBatchSuppressed(t *testing.T) {
	sink := newTestFileSink(t, nil)

	rec := fileRecord(t, "auth", "once", nil)
	batch := fileBatch(t, "b1", rec)
	require.NoError(t, sink.Write(context.Background(), batch))
	require.NoError(t, sink.Write(context.Background(), batch), "redelivery is a silent success")

	path := filepath.Join(sink.config.Dir, "auth", rec.Timestamp.Format("2006-01-02")+".log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "once"))
}

func TestFileSink_StopClosesStreams(t *testing.T) {
	sink, err := NewFileSink(FileConfig{Dir: t.TempDir()}, testLogger())
	require.NoError(t, err)
	require.NoError(t, sink.Start(context.Background()))

	rec := fileRecord(t, "auth", "bye", nil)
	require.NoError(t, sink.Write(context.Background(), fileBatch(t, "b1", rec)))
	require.NoError(t, sink.Stop())
	assert.False(t, sink.IsHealthy())

	err = sink.Write(context.Background(), fileBatch(t, "b2", fileRecord(t, "auth", "late", nil)))
	assert.Error(t, err)
}

func TestFileSink_DrainOnBackpressure(t *testing.T) {
	sink := newTestFileSink(t, func(c *FileConfig) {
		c.StreamDrainOnBackpressure = true
		c.BufferSize = 64
	})

	records := make([]*types.LogRecord, 20)
	for i := range records {
		records[i] = fileRecord(t, "bulk", strings.Repeat("x", 40), nil)
	}
	require.NoError(t, sink.Write(context.Background(), fileBatch(t, "b1", records...)))

	day := records[0].Timestamp.Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(sink.config.Dir, "bulk", day+".log"))
	require.NoError(t, err)
	assert.Equal(t, 20, strings.Count(string(data), "\n"))
}
