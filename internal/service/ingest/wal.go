package ingest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/telemetry"
)

// Segment layout:
//
//	header: magic(4) | version(2) | reserved(2) | baseLSN(8)
//	record: lsn(8) | payloadLen(4) | payload(N) | crc32c(4)
//
// The payload is one JSON-encoded model.RawTrace. The CRC covers the record
// head and payload.
const (
	walMagic      = 0x544E5754 // "TNWT"
	walVersion    = 1
	walHeaderSize = 16
	walRecordHead = 12
	walCRCSize    = 4
	walMaxPayload = 64 << 20

	defaultSegmentSize    = 64 << 20
	defaultSegmentRecords = 50_000
	minSegmentSize        = 1 << 20
	minSegmentRecords     = 100

	defaultSyncInterval = 10 * time.Millisecond
)

// Sync modes.
const (
	SyncFull  = "full"  // fsync before Write returns
	SyncBatch = "batch" // fsync on an interval
	SyncNone  = "none"  // leave it to the OS
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// WALConfig holds configuration for the write-ahead log.
type WALConfig struct {
	Dir            string // empty disables the WAL
	SyncMode       string
	SyncInterval   time.Duration
	MaxSegmentSize int64
	MaxSegmentRecs int
}

// Record is one recovered trace and its log sequence number.
type Record struct {
	LSN   uint64
	Trace model.RawTrace
}

// WAL makes accepted traces durable before they are merged, so a crash
// between receipt and merge loses nothing. LSNs are assigned contiguously
// in write order.
type WAL struct {
	dir      string
	syncMode string
	logger   *slog.Logger

	maxSegSize int64
	maxSegRecs int

	mu          sync.Mutex
	current     *os.File
	segmentNum  uint64
	segmentSize int64
	segmentRecs int
	nextLSN     uint64

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

type walCheckpoint struct {
	FlushedLSN uint64    `json:"flushed_lsn"`
	FlushedAt  time.Time `json:"flushed_at"`
}

// NewWAL opens the WAL in cfg.Dir. It returns nil, nil when cfg.Dir is
// empty.
func NewWAL(logger *slog.Logger, cfg WALConfig) (*WAL, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncBatch
	}
	switch cfg.SyncMode {
	case SyncFull, SyncBatch, SyncNone:
	default:
		return nil, fmt.Errorf("wal: invalid sync mode %q (must be full, batch, or none)", cfg.SyncMode)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = defaultSegmentSize
	}
	if cfg.MaxSegmentSize < minSegmentSize {
		return nil, fmt.Errorf("wal: segment size %d too small (min %d)", cfg.MaxSegmentSize, minSegmentSize)
	}
	if cfg.MaxSegmentRecs <= 0 {
		cfg.MaxSegmentRecs = defaultSegmentRecords
	}
	if cfg.MaxSegmentRecs < minSegmentRecords {
		return nil, fmt.Errorf("wal: segment records %d too small (min %d)", cfg.MaxSegmentRecs, minSegmentRecords)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	w := &WAL{
		dir:        cfg.Dir,
		syncMode:   cfg.SyncMode,
		logger:     logger,
		maxSegSize: cfg.MaxSegmentSize,
		maxSegRecs: cfg.MaxSegmentRecs,
	}

	cp, err := w.loadCheckpoint()
	if err != nil {
		return nil, err
	}
	// Continue after the highest LSN on disk, flushed or not.
	w.nextLSN = cp.FlushedLSN + 1
	segs, err := w.listSegments()
	if err != nil {
		return nil, fmt.Errorf("wal: scan segments: %w", err)
	}
	for _, seg := range segs {
		recs, err := w.readSegment(seg)
		if err != nil {
			continue
		}
		if n := len(recs); n > 0 && recs[n-1].LSN >= w.nextLSN {
			w.nextLSN = recs[n-1].LSN + 1
		}
	}
	high, err := w.highestSegment()
	if err != nil {
		return nil, fmt.Errorf("wal: scan segments: %w", err)
	}
	w.segmentNum = high + 1

	if err := w.rotateSegment(); err != nil {
		return nil, fmt.Errorf("wal: open initial segment: %w", err)
	}

	if cfg.SyncMode == SyncNone {
		logger.Warn("wal: sync mode is 'none'; traces may be lost on crash")
	}
	if cfg.SyncMode == SyncBatch {
		ctx, cancel := context.WithCancel(context.Background())
		w.syncCancel = cancel
		w.syncDone = make(chan struct{})
		go w.syncLoop(ctx, cfg.SyncInterval)
	}

	w.registerMetrics()
	return w, nil
}

// Write appends traces and returns the LSN of the first one; the rest
// follow contiguously. In full sync mode the segment is synced before
// returning.
func (w *WAL) Write(traces []model.RawTrace) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	first := w.nextLSN
	for i := range traces {
		payload, err := json.Marshal(&traces[i])
		if err != nil {
			return 0, fmt.Errorf("wal: marshal trace: %w", err)
		}
		if len(payload) > walMaxPayload {
			return 0, fmt.Errorf("wal: trace payload too large (%d bytes, max %d)", len(payload), walMaxPayload)
		}

		buf := make([]byte, walRecordHead+len(payload)+walCRCSize)
		binary.BigEndian.PutUint64(buf[0:8], w.nextLSN)
		binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload))) //nolint:gosec // bounded by walMaxPayload
		copy(buf[walRecordHead:], payload)
		crc := crc32.Checksum(buf[:walRecordHead+len(payload)], crc32cTable)
		binary.BigEndian.PutUint32(buf[walRecordHead+len(payload):], crc)

		if _, err := w.current.Write(buf); err != nil {
			return 0, fmt.Errorf("wal: write record: %w", err)
		}
		w.nextLSN++
		w.segmentSize += int64(len(buf))
		w.segmentRecs++

		if w.segmentSize >= w.maxSegSize || w.segmentRecs >= w.maxSegRecs {
			if err := w.rotateSegment(); err != nil {
				return 0, fmt.Errorf("wal: rotate segment: %w", err)
			}
		}
	}

	if w.syncMode == SyncFull {
		if err := w.current.Sync(); err != nil {
			return 0, fmt.Errorf("wal: fsync: %w", err)
		}
	}
	return first, nil
}

// Checkpoint marks every record up to and including lsn as merged and
// persisted, and deletes segments holding only such records.
func (w *WAL) Checkpoint(lsn uint64) error {
	cp, err := w.loadCheckpoint()
	if err != nil {
		return err
	}
	if lsn <= cp.FlushedLSN {
		return nil
	}
	if err := w.saveCheckpoint(walCheckpoint{FlushedLSN: lsn, FlushedAt: time.Now().UTC()}); err != nil {
		return err
	}
	return w.cleanupSegments(lsn)
}

// Recover returns the records written after the last checkpoint, in LSN
// order. A corrupt or truncated tail ends recovery of that segment.
func (w *WAL) Recover() ([]Record, error) {
	cp, err := w.loadCheckpoint()
	if err != nil {
		return nil, err
	}
	segs, err := w.listSegments()
	if err != nil {
		return nil, fmt.Errorf("wal: list segments for recovery: %w", err)
	}
	var out []Record
	for _, seg := range segs {
		recs, err := w.readSegment(seg)
		if err != nil {
			w.logger.Warn("wal: recovery: unreadable segment", "segment", seg, "error", err)
			continue
		}
		for _, r := range recs {
			if r.LSN > cp.FlushedLSN {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// Close stops the sync loop, then syncs and closes the current segment.
func (w *WAL) Close() error {
	if w.syncCancel != nil {
		w.syncCancel()
		<-w.syncDone
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	if err := w.current.Sync(); err != nil {
		w.logger.Warn("wal: final sync failed", "error", err)
	}
	err := w.current.Close()
	w.current = nil
	return err
}

// SegmentCount returns the number of segment files on disk.
func (w *WAL) SegmentCount() int {
	segs, _ := w.listSegments()
	return len(segs)
}

// PendingBytes returns the total size of segment files on disk.
func (w *WAL) PendingBytes() int64 {
	segs, _ := w.listSegments()
	var total int64
	for _, seg := range segs {
		if info, err := os.Stat(seg); err == nil {
			total += info.Size()
		}
	}
	return total
}

func (w *WAL) segmentPath(num uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%09d.wal", num))
}

func (w *WAL) checkpointPath() string {
	return filepath.Join(w.dir, "checkpoint.json")
}

func (w *WAL) loadCheckpoint() (walCheckpoint, error) {
	data, err := os.ReadFile(w.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return walCheckpoint{}, nil
	}
	if err != nil {
		return walCheckpoint{}, fmt.Errorf("wal: read checkpoint: %w", err)
	}
	var cp walCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return walCheckpoint{}, fmt.Errorf("wal: parse checkpoint: %w", err)
	}
	return cp, nil
}

// saveCheckpoint writes via a synced temp file and rename.
func (w *WAL) saveCheckpoint(cp walCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("wal: marshal checkpoint: %w", err)
	}
	tmp := w.checkpointPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path is constructed from w.dir
	if err != nil {
		return fmt.Errorf("wal: open checkpoint tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: write checkpoint tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: sync checkpoint tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("wal: close checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmp, w.checkpointPath()); err != nil {
		return fmt.Errorf("wal: rename checkpoint: %w", err)
	}
	return nil
}

func (w *WAL) rotateSegment() error {
	if w.current != nil {
		if err := w.current.Sync(); err != nil {
			w.logger.Warn("wal: sync before rotation failed", "error", err)
		}
		if err := w.current.Close(); err != nil {
			w.logger.Warn("wal: close before rotation failed", "error", err)
		}
	}

	path := w.segmentPath(w.segmentNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is constructed from w.dir
	if err != nil {
		return fmt.Errorf("wal: open segment %d: %w", w.segmentNum, err)
	}
	var hdr [walHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], walMagic)
	binary.BigEndian.PutUint16(hdr[4:6], walVersion)
	binary.BigEndian.PutUint64(hdr[8:16], w.nextLSN)
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: write segment header: %w", err)
	}

	w.current = f
	w.segmentSize = walHeaderSize
	w.segmentRecs = 0
	w.segmentNum++
	return nil
}

func (w *WAL) listSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".wal") {
			paths = append(paths, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(paths) // zero-padded, so lexical order is numeric order
	return paths, nil
}

func (w *WAL) highestSegment() (uint64, error) {
	segs, err := w.listSegments()
	if err != nil {
		return 0, err
	}
	var highest uint64
	for _, seg := range segs {
		var num uint64
		if _, err := fmt.Sscanf(filepath.Base(seg), "%09d.wal", &num); err == nil && num > highest {
			highest = num
		}
	}
	return highest, nil
}

// readSegment returns the intact records of one segment. Reading stops at
// the first truncated or corrupt record.
func (w *WAL) readSegment(path string) ([]Record, error) {
	f, err := os.Open(path) //nolint:gosec // path is constructed from w.dir
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var hdr [walHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("wal: read segment header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != walMagic {
		return nil, fmt.Errorf("wal: bad magic 0x%08X", magic)
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != walVersion {
		return nil, fmt.Errorf("wal: unsupported version %d", v)
	}

	var out []Record
	for {
		var head [walRecordHead]byte
		if _, err := io.ReadFull(f, head[:]); err != nil {
			break
		}
		lsn := binary.BigEndian.Uint64(head[0:8])
		n := binary.BigEndian.Uint32(head[8:12])
		if n > walMaxPayload {
			w.logger.Warn("wal: corrupt payload length", "path", path, "lsn", lsn, "payload_len", n)
			break
		}
		body := make([]byte, int(n)+walCRCSize)
		if _, err := io.ReadFull(f, body); err != nil {
			break
		}
		payload := body[:n]
		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		if h.Sum32() != binary.BigEndian.Uint32(body[n:]) {
			w.logger.Warn("wal: CRC mismatch", "path", path, "lsn", lsn)
			break
		}
		var tr model.RawTrace
		if err := json.Unmarshal(payload, &tr); err != nil {
			w.logger.Warn("wal: corrupt trace record", "path", path, "lsn", lsn, "error", err)
			break
		}
		out = append(out, Record{LSN: lsn, Trace: tr})
	}
	return out, nil
}

// cleanupSegments deletes closed segments whose records are all at or
// below lsn.
func (w *WAL) cleanupSegments(lsn uint64) error {
	segs, err := w.listSegments()
	if err != nil {
		return err
	}
	w.mu.Lock()
	current := ""
	if w.current != nil {
		current = w.current.Name()
	}
	w.mu.Unlock()

	for _, seg := range segs {
		if seg == current {
			continue
		}
		recs, err := w.readSegment(seg)
		if err != nil {
			continue
		}
		if len(recs) == 0 || recs[len(recs)-1].LSN <= lsn {
			if err := os.Remove(seg); err != nil {
				w.logger.Warn("wal: failed to delete flushed segment", "path", seg, "error", err)
			}
		}
	}
	return nil
}

func (w *WAL) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(w.syncDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.current != nil {
				if err := w.current.Sync(); err != nil {
					w.logger.Warn("wal: batch sync failed", "error", err)
				}
			}
			w.mu.Unlock()
		}
	}
}

func (w *WAL) registerMetrics() {
	meter := telemetry.Meter("tane/wal")

	_, _ = meter.Int64ObservableGauge("tane.wal.segment_count",
		metric.WithDescription("Current number of WAL segment files"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.SegmentCount()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("tane.wal.bytes",
		metric.WithDescription("Bytes held in WAL segment files"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.PendingBytes())
			return nil
		}),
	)
}
