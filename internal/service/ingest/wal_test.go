package ingest

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tane/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func traces(n int) []model.RawTrace {
	out := make([]model.RawTrace, n)
	for i := range out {
		out[i] = model.RawTrace{
			Target:   "cJSON",
			SeedID:   model.SeedID(i + 1),
			Branches: []uint32{uint32(i), uint32(i + 1)},
			Calls:    []string{"cJSON_Parse"},
		}
	}
	return out
}

func openWAL(t *testing.T, dir string) *WAL {
	t.Helper()
	w, err := NewWAL(testLogger(), WALConfig{Dir: dir, SyncMode: SyncFull})
	require.NoError(t, err)
	require.NotNil(t, w)
	return w
}

func TestWALDisabledWithoutDir(t *testing.T) {
	w, err := NewWAL(testLogger(), WALConfig{})
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestWALRejectsBadConfig(t *testing.T) {
	_, err := NewWAL(testLogger(), WALConfig{Dir: t.TempDir(), SyncMode: "sometimes"})
	assert.Error(t, err)

	_, err = NewWAL(testLogger(), WALConfig{Dir: t.TempDir(), MaxSegmentSize: 10})
	assert.Error(t, err)
}

func TestWALWriteAndRecover(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir)

	first, err := w.Write(traces(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)
	next, err := w.Write(traces(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next)

	recs, err := w.Recover()
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.LSN)
	}
	assert.Equal(t, "cJSON", recs[0].Trace.Target)
	assert.Equal(t, []uint32{2, 3}, recs[2].Trace.Branches)
	require.NoError(t, w.Close())
}

func TestWALCheckpointHidesFlushedRecords(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir)
	_, err := w.Write(traces(4))
	require.NoError(t, err)

	require.NoError(t, w.Checkpoint(3))
	recs, err := w.Recover()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(4), recs[0].LSN)

	// Going backwards is a no-op.
	require.NoError(t, w.Checkpoint(1))
	recs, err = w.Recover()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	require.NoError(t, w.Close())
}

func TestWALReopenContinuesLSNs(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir)
	_, err := w.Write(traces(3))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w = openWAL(t, dir)
	recs, err := w.Recover()
	require.NoError(t, err)
	assert.Len(t, recs, 3, "unflushed records survive a restart")

	first, err := w.Write(traces(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), first)

	require.NoError(t, w.Checkpoint(4))
	assert.Equal(t, 1, w.SegmentCount(), "flushed closed segments are removed")
	require.NoError(t, w.Close())
}

func TestWALStopsAtCorruptTail(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir)
	_, err := w.Write(traces(2))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	segs, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	f, err := os.OpenFile(segs[0], os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 3, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w = openWAL(t, dir)
	recs, err := w.Recover()
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	require.NoError(t, w.Close())
}
