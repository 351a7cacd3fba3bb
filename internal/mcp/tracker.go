package mcp

import (
	"sync"
	"time"

	"github.com/ashita-ai/tane/internal/model"
)

// batchTracker remembers which seeds tane_next_batch handed to which worker,
// so tane_mark_selected can flag a seed the caller never received. The
// record is per process and advisory only.
type batchTracker struct {
	mu     sync.Mutex
	handed map[handedKey]time.Time
	window time.Duration
	now    func() time.Time
}

type handedKey struct {
	workerID string
	seedID   model.SeedID
}

func newBatchTracker(window time.Duration) *batchTracker {
	return &batchTracker{
		handed: make(map[handedKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Record notes that ids were handed to workerID.
func (t *batchTracker) Record(workerID string, ids []model.SeedID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for _, id := range ids {
		t.handed[handedKey{workerID, id}] = now
	}
	if len(t.handed) > 10_000 {
		t.purgeStale(now)
	}
}

// WasHanded reports whether id was handed to workerID within the window.
func (t *batchTracker) WasHanded(workerID string, id model.SeedID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := handedKey{workerID, id}
	ts, ok := t.handed[k]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.handed, k)
		return false
	}
	return true
}

// purgeStale must be called with mu held.
func (t *batchTracker) purgeStale(now time.Time) {
	for k, ts := range t.handed {
		if now.Sub(ts) > t.window {
			delete(t.handed, k)
		}
	}
}
