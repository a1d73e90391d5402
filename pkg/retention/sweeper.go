// Package retention removes entries that have outlived the retention
// period of their sensitivity tier.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/oceanbase/memctx/pkg/policy"
	"github.com/oceanbase/memctx/pkg/storage"
)

// Config holds sweeper settings.
type Config struct {
	// Interval is the time between sweeps in Run.
	Interval time.Duration `json:"interval" yaml:"interval" validate:"gt=0"`

	// Archive moves expired entries to the backend's archive instead of
	// deleting them. It needs a store that implements storage.Archiver.
	Archive bool `json:"archive" yaml:"archive"`
}

// DefaultConfig sweeps hourly and deletes.
func DefaultConfig() Config {
	return Config{Interval: time.Hour}
}

// Result summarizes one sweep.
type Result struct {
	// Removed is the number of entries removed per tier.
	Removed  map[policy.Tier]int64 `json:"removed"`
	Archived bool                  `json:"archived"`
	Duration time.Duration         `json:"duration"`
}

// Total returns the number of entries removed across tiers.
func (r *Result) Total() int64 {
	var n int64
	for _, v := range r.Removed {
		n += v
	}
	return n
}

// Sweeper applies a retention policy to a store.
type Sweeper struct {
	store    storage.Store
	archiver storage.Archiver
	policy   policy.RetentionPolicy
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = l
	}
}

// WithClock overrides the time source used by Sweep and Run.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// NewSweeper creates a Sweeper. Archive mode fails if the store cannot
// archive.
func NewSweeper(store storage.Store, p policy.RetentionPolicy, cfg Config, opts ...Option) (*Sweeper, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	s := &Sweeper{
		store:  store,
		policy: p,
		cfg:    cfg,
		now:    time.Now,
	}
	if cfg.Archive {
		a, ok := store.(storage.Archiver)
		if !ok {
			return nil, fmt.Errorf("retention: store %T cannot archive", store)
		}
		s.archiver = a
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s, nil
}

// Sweep runs one sweep at the current time.
func (s *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	return s.SweepAt(ctx, s.now())
}

// SweepAt removes every entry whose created_at + retention < now. Tiers
// with unlimited retention are skipped. A failing tier does not stop the
// others; the returned error joins the per-tier failures.
func (s *Sweeper) SweepAt(ctx context.Context, now time.Time) (*Result, error) {
	start := time.Now()
	res := &Result{Removed: make(map[policy.Tier]int64), Archived: s.archiver != nil}
	mode := "delete"
	if s.archiver != nil {
		mode = "archive"
	}

	var errs []error
	for t := policy.TierPublic; t <= policy.TierSecret; t++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cutoff, ok := s.policy.Cutoff(t, now)
		if !ok {
			continue
		}

		var n int64
		var err error
		if s.archiver != nil {
			n, err = s.archiver.ArchiveBefore(ctx, int(t), cutoff)
		} else {
			n, err = s.store.DeleteBefore(ctx, int(t), cutoff)
		}
		if err != nil {
			sweepErrors.Inc()
			errs = append(errs, fmt.Errorf("sweep tier %d: %w", t, err))
			continue
		}
		res.Removed[t] = n
		if n > 0 {
			sweptTotal.WithLabelValues(strconv.Itoa(int(t)), mode).Add(float64(n))
		}
	}
	res.Duration = time.Since(start)
	lastSweep.SetToCurrentTime()

	if total := res.Total(); total > 0 {
		s.logger.Info("retention sweep completed",
			slog.Int64("removed", total),
			slog.String("mode", mode),
			slog.Duration("duration", res.Duration))
	} else {
		s.logger.Debug("retention sweep completed (nothing expired)")
	}
	return res, errors.Join(errs...)
}

// Run sweeps immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
	}
}
