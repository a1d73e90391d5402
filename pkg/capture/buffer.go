package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oceanbase/memctx/pkg/storage"
)

// Target identifies the context a buffer belongs to.
type Target struct {
	ContextID string
	Owner     string
	Scope     storage.ScopeRef
}

// buffer is the per-context FIFO of entries awaiting flush.
//
// mu guards pending, sealed, timer and kicked and is only ever held for
// in-memory work. flushMu serializes flushes; it is taken before mu when
// both are needed.
type buffer struct {
	target Target

	mu      sync.Mutex
	pending []*storage.Entry
	sealed  bool
	timer   *time.Timer
	gen     uint64
	kicked  bool

	flushMu sync.Mutex

	count    atomic.Int64
	failure  atomic.Pointer[error]
	lastSave atomic.Int64
}

func newBuffer(t Target) *buffer {
	return &buffer{target: t}
}

// failed returns the error of the last flush if it exhausted its retries.
func (b *buffer) failed() error {
	if p := b.failure.Load(); p != nil {
		return *p
	}
	return nil
}

func (b *buffer) setFailed(err error) {
	if b.failure.Swap(&err) == nil {
		degradedBuffers.Inc()
	}
}

func (b *buffer) clearFailed() {
	if b.failure.Swap(nil) != nil {
		degradedBuffers.Dec()
	}
}

// startTimerLocked schedules fire after delay. fire receives the timer
// generation so that a stale firing can be told apart. mu must be held.
func (b *buffer) startTimerLocked(delay time.Duration, fire func(gen uint64)) {
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(delay, func() { fire(gen) })
}

// armLocked starts the flush timer if it is not running. The delay is
// measured from the oldest pending entry. mu must be held.
func (b *buffer) armLocked(interval time.Duration, now time.Time, fire func(gen uint64)) {
	if b.timer != nil || b.sealed || len(b.pending) == 0 {
		return
	}
	delay := interval - now.Sub(b.pending[0].CreatedAt)
	if delay < 0 {
		delay = 0
	}
	b.startTimerLocked(delay, fire)
}

// disarmLocked stops the flush timer. mu must be held.
func (b *buffer) disarmLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// snapshot returns a copy of the pending entries.
func (b *buffer) snapshot() []*storage.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*storage.Entry(nil), b.pending...)
}

// dropHead removes the first n pending entries, which must be the ones
// just written.
func (b *buffer) dropHead(n int) {
	rest := make([]*storage.Entry, len(b.pending)-n)
	copy(rest, b.pending[n:])
	b.pending = rest
	b.count.Store(int64(len(rest)))
}
