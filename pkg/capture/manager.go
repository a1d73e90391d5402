// Package capture buffers appended events per context and flushes them to
// a storage.Store in batches.
//
// A buffer flushes when it holds FlushThreshold entries or when
// FlushInterval has passed since the first entry buffered after the last
// flush, whichever comes first. Appends never touch the store.
package capture

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"

	"github.com/oceanbase/memctx/pkg/policy"
	"github.com/oceanbase/memctx/pkg/storage"
)

// Redactor is the part of the policy layer applied before queueing.
type Redactor interface {
	Redact(content string, tier policy.Tier) string
	Classify(content string) policy.Tier
}

// Event is one raw captured event.
type Event struct {
	Content string
	Tier    policy.Tier
	Actor   string
}

// Config controls flushing.
type Config struct {
	// FlushThreshold is the pending count that triggers a flush.
	FlushThreshold int `json:"flush_threshold" yaml:"flush_threshold" validate:"min=1"`

	// FlushInterval is the longest an entry waits before a flush starts.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval" validate:"gt=0"`

	// MaxFlushRetries is the number of retries after the first failed write.
	MaxFlushRetries int `json:"max_flush_retries" yaml:"max_flush_retries" validate:"min=0"`

	// RetryInitialInterval and RetryMaxInterval bound the backoff delay.
	RetryInitialInterval time.Duration `json:"retry_initial_interval" yaml:"retry_initial_interval" validate:"gt=0"`
	RetryMaxInterval     time.Duration `json:"retry_max_interval" yaml:"retry_max_interval" validate:"gtefield=RetryInitialInterval"`

	// NodeID is the snowflake node id, unique per process writing to the
	// same store.
	NodeID int64 `json:"node_id" yaml:"node_id" validate:"min=0,max=1023"`
}

// DefaultConfig returns 10 entries / 5 minutes / 5 retries.
func DefaultConfig() Config {
	return Config{
		FlushThreshold:       10,
		FlushInterval:        5 * time.Minute,
		MaxFlushRetries:      5,
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
		NodeID:               1,
	}
}

// FlushFunc is called after a successful flush with the flush time.
type FlushFunc func(contextID string, at time.Time)

// Manager owns the buffers of all open contexts.
type Manager struct {
	store    storage.Store
	redactor Redactor
	cfg      Config
	node     *snowflake.Node
	logger   *slog.Logger
	onFlush  FlushFunc
	now      func() time.Time

	buffers sync.Map // context id -> *buffer
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithFlushFunc registers a callback for successful flushes.
func WithFlushFunc(fn FlushFunc) Option {
	return func(m *Manager) {
		m.onFlush = fn
	}
}

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager flushing to store.
func NewManager(store storage.Store, redactor Redactor, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil || redactor == nil {
		return nil, errors.New("capture: store and redactor are required")
	}
	if cfg.FlushThreshold < 1 || cfg.FlushInterval <= 0 || cfg.MaxFlushRetries < 0 {
		return nil, fmt.Errorf("capture: invalid config %+v", cfg)
	}
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	m := &Manager{
		store:    store,
		redactor: redactor,
		cfg:      cfg,
		node:     node,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m, nil
}

// Open allocates the buffer of a context.
func (m *Manager) Open(t Target) error {
	if _, loaded := m.buffers.LoadOrStore(t.ContextID, newBuffer(t)); loaded {
		return fmt.Errorf("%w: %s", ErrBufferExists, t.ContextID)
	}
	return nil
}

func (m *Manager) buffer(contextID string) (*buffer, bool) {
	v, ok := m.buffers.Load(contextID)
	if !ok {
		return nil, false
	}
	return v.(*buffer), true
}

// Append redacts ev and queues it. The stored tier is the higher of the
// declared tier and the tier the content classifies as.
func (m *Manager) Append(ctx context.Context, contextID string, ev Event) (*storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := m.buffer(contextID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotActive, contextID)
	}

	tier := policy.MaxTier(ev.Tier.Normalize(), m.redactor.Classify(ev.Content))
	content := m.redactor.Redact(ev.Content, tier)
	sum := md5.Sum([]byte(content))
	e := &storage.Entry{
		ID:        m.node.Generate().Int64(),
		ContextID: contextID,
		Owner:     b.target.Owner,
		Scope:     b.target.Scope,
		Content:   content,
		Tier:      int(tier),
		Actor:     ev.Actor,
		Hash:      hex.EncodeToString(sum[:]),
		CreatedAt: m.now().UTC(),
	}

	b.mu.Lock()
	if b.sealed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrContextNotActive, contextID)
	}
	b.pending = append(b.pending, e)
	b.count.Store(int64(len(b.pending)))
	b.armLocked(m.cfg.FlushInterval, e.CreatedAt, m.fireFunc(b))
	kick := len(b.pending) >= m.cfg.FlushThreshold && !b.kicked && b.failed() == nil
	if kick {
		b.kicked = true
	}
	b.mu.Unlock()

	appendedTotal.WithLabelValues(strconv.Itoa(int(tier))).Inc()
	if kick {
		go func() {
			_ = m.flush(context.Background(), b, "threshold")
		}()
	}
	return e, nil
}

func (m *Manager) fireFunc(b *buffer) func(gen uint64) {
	return func(gen uint64) {
		b.mu.Lock()
		if b.gen == gen {
			b.timer = nil
		}
		b.mu.Unlock()
		_ = m.flush(context.Background(), b, "timer")
	}
}

// Flush writes the pending entries of a context now.
func (m *Manager) Flush(ctx context.Context, contextID string) error {
	b, ok := m.buffer(contextID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrContextNotActive, contextID)
	}
	return m.flush(ctx, b, "explicit")
}

// flush writes a snapshot of the pending entries as one batch and drops
// them from the head of the buffer once the store accepts it. Entries
// appended meanwhile stay queued behind them.
func (m *Manager) flush(ctx context.Context, b *buffer, trigger string) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	id := b.target.ContextID
	batch := b.snapshot()
	if len(batch) == 0 {
		b.mu.Lock()
		b.kicked = false
		if len(b.pending) == 0 {
			b.disarmLocked()
		}
		b.mu.Unlock()
		b.clearFailed()
		return nil
	}

	start := time.Now()
	err := m.put(ctx, id, batch)
	flushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		failure := fmt.Errorf("%w: %s: %w", ErrFlushFailed, id, err)
		b.setFailed(failure)
		b.mu.Lock()
		b.kicked = false
		// Degraded buffers retry on the interval rather than the threshold.
		if b.timer == nil && !b.sealed {
			b.startTimerLocked(m.cfg.FlushInterval, m.fireFunc(b))
		}
		b.mu.Unlock()

		flushTotal.WithLabelValues(trigger, "failed").Inc()
		m.logger.Error("flush failed",
			slog.String("context_id", id),
			slog.String("trigger", trigger),
			slog.Int("entries", len(batch)),
			slog.String("error", err.Error()))
		return failure
	}

	now := m.now().UTC()
	b.lastSave.Store(now.UnixNano())
	b.clearFailed()

	b.mu.Lock()
	b.dropHead(len(batch))
	b.disarmLocked()
	b.armLocked(m.cfg.FlushInterval, now, m.fireFunc(b))
	again := len(b.pending) >= m.cfg.FlushThreshold && !b.sealed
	b.kicked = again
	b.mu.Unlock()

	flushTotal.WithLabelValues(trigger, "ok").Inc()
	flushBatchSize.Observe(float64(len(batch)))
	m.logger.Debug("flushed",
		slog.String("context_id", id),
		slog.String("trigger", trigger),
		slog.Int("entries", len(batch)))

	if m.onFlush != nil {
		m.onFlush(id, now)
	}
	if again {
		go func() {
			_ = m.flush(context.Background(), b, "threshold")
		}()
	}
	return nil
}

// put writes a batch, retrying with bounded exponential backoff.
func (m *Manager) put(ctx context.Context, contextID string, batch []*storage.Entry) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.cfg.RetryInitialInterval
	eb.MaxInterval = m.cfg.RetryMaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, m.store.PutBatch(ctx, contextID, batch)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(m.cfg.MaxFlushRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("flush retry",
				slog.String("context_id", contextID),
				slog.Duration("next", next),
				slog.String("error", err.Error()))
		}),
	)
	return err
}

// Close seals the buffer of a context, flushes it and releases it. If the
// flush fails the buffer stays sealed and registered so that a later Close
// can retry. Closing an unknown context is a no-op.
func (m *Manager) Close(ctx context.Context, contextID string) error {
	b, ok := m.buffer(contextID)
	if !ok {
		return nil
	}

	b.mu.Lock()
	b.sealed = true
	b.disarmLocked()
	b.mu.Unlock()

	if err := m.flush(ctx, b, "close"); err != nil {
		return err
	}
	m.buffers.Delete(contextID)
	return nil
}

// CloseAll closes every open buffer, for process shutdown.
func (m *Manager) CloseAll(ctx context.Context) error {
	var errs []error
	m.buffers.Range(func(key, _ any) bool {
		if err := m.Close(ctx, key.(string)); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// IsOpen reports whether a context has a buffer that accepts appends.
func (m *Manager) IsOpen(contextID string) bool {
	b, ok := m.buffer(contextID)
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.sealed
}

// Pending returns the number of unflushed entries of a context.
func (m *Manager) Pending(contextID string) int {
	b, ok := m.buffer(contextID)
	if !ok {
		return 0
	}
	return int(b.count.Load())
}

// Degraded returns the error of a buffer in FLUSH_FAILED, nil otherwise.
func (m *Manager) Degraded(contextID string) error {
	b, ok := m.buffer(contextID)
	if !ok {
		return nil
	}
	return b.failed()
}

// LastFlush returns when a context was last flushed successfully.
func (m *Manager) LastFlush(contextID string) (time.Time, bool) {
	b, ok := m.buffer(contextID)
	if !ok {
		return time.Time{}, false
	}
	n := b.lastSave.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n).UTC(), true
}
