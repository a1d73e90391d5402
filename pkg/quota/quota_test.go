package quota_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/memctx/pkg/quota"
)

func TestRateLimiter_Append(t *testing.T) {
	l := quota.NewRateLimiter(quota.Limits{AppendsPerSecond: 0.001, AppendBurst: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.NoError(t, l.AllowAppend(ctx, "u1"))
	}
	assert.ErrorIs(t, l.AllowAppend(ctx, "u1"), quota.ErrQuotaExceeded)

	// Owners are limited independently.
	assert.NoError(t, l.AllowAppend(ctx, "u2"))
}

func TestRateLimiter_Start(t *testing.T) {
	l := quota.NewRateLimiter(quota.Limits{StartsPerMinute: 0.01})
	ctx := context.Background()

	assert.NoError(t, l.AllowStart(ctx, "u1"))
	assert.ErrorIs(t, l.AllowStart(ctx, "u1"), quota.ErrQuotaExceeded)
}

func TestRateLimiter_ZeroDisables(t *testing.T) {
	l := quota.NewRateLimiter(quota.Limits{})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		assert.NoError(t, l.AllowStart(ctx, "u1"))
		assert.NoError(t, l.AllowAppend(ctx, "u1"))
	}
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	l := quota.NewRateLimiter(quota.Limits{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, l.AllowAppend(ctx, "u1"), context.Canceled)
}

func TestUnlimited(t *testing.T) {
	var c quota.Checker = quota.Unlimited{}
	assert.NoError(t, c.AllowStart(context.Background(), "u1"))
	assert.NoError(t, c.AllowAppend(context.Background(), "u1"))
}
