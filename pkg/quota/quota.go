// Package quota is the plan-limit collaborator consulted before starting
// contexts and appending entries. Its errors are opaque to the rest of
// the module and are returned to callers unchanged.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrQuotaExceeded is returned when an owner is over its limits.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Checker decides whether an owner may start a context or append.
type Checker interface {
	AllowStart(ctx context.Context, owner string) error
	AllowAppend(ctx context.Context, owner string) error
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) AllowStart(context.Context, string) error  { return nil }
func (Unlimited) AllowAppend(context.Context, string) error { return nil }

// Limits configures a RateLimiter. A zero rate disables that limit.
type Limits struct {
	StartsPerMinute  float64 `json:"starts_per_minute" yaml:"starts_per_minute" validate:"min=0"`
	StartBurst       int     `json:"start_burst" yaml:"start_burst" validate:"min=0"`
	AppendsPerSecond float64 `json:"appends_per_second" yaml:"appends_per_second" validate:"min=0"`
	AppendBurst      int     `json:"append_burst" yaml:"append_burst" validate:"min=0"`
}

type ownerLimiters struct {
	start  *rate.Limiter
	append *rate.Limiter
}

// RateLimiter is a per-owner token bucket Checker.
type RateLimiter struct {
	limits Limits

	mu     sync.Mutex
	owners map[string]*ownerLimiters
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(limits Limits) *RateLimiter {
	return &RateLimiter{
		limits: limits,
		owners: make(map[string]*ownerLimiters),
	}
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (r *RateLimiter) get(owner string) *ownerLimiters {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.owners[owner]
	if !ok {
		l = &ownerLimiters{
			start:  newLimiter(r.limits.StartsPerMinute/60, r.limits.StartBurst),
			append: newLimiter(r.limits.AppendsPerSecond, r.limits.AppendBurst),
		}
		r.owners[owner] = l
	}
	return l
}

func allow(l *rate.Limiter, owner, what string) error {
	if l == nil || l.AllowN(time.Now(), 1) {
		return nil
	}
	return fmt.Errorf("%w: %s for %s", ErrQuotaExceeded, what, owner)
}

// AllowStart consumes one start token for owner.
func (r *RateLimiter) AllowStart(ctx context.Context, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return allow(r.get(owner).start, owner, "context starts")
}

// AllowAppend consumes one append token for owner.
func (r *RateLimiter) AllowAppend(ctx context.Context, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return allow(r.get(owner).append, owner, "appends")
}
