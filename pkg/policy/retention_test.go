package policy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/memctx/pkg/policy"
)

func TestDefaultRetention(t *testing.T) {
	p := policy.DefaultRetention()
	assert.NoError(t, p.Validate())

	_, finite := p.TTL(policy.TierPublic)
	assert.False(t, finite)

	ttl, finite := p.TTL(policy.TierConfidential)
	assert.True(t, finite)
	assert.Equal(t, 90*24*time.Hour, ttl)

	ttl, finite = p.TTL(policy.TierSecret)
	assert.True(t, finite)
	assert.Zero(t, ttl)
}

func TestRetention_Cutoff(t *testing.T) {
	p := policy.DefaultRetention()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cutoff, ok := p.Cutoff(policy.TierSensitive, now)
	assert.True(t, ok)
	assert.Equal(t, now.Add(-180*24*time.Hour), cutoff)

	_, ok = p.Cutoff(policy.TierPublic, now)
	assert.False(t, ok)

	// Unknown tiers use the tier 4 retention.
	cutoff, ok = p.Cutoff(policy.Tier(17), now)
	assert.True(t, ok)
	assert.Equal(t, now, cutoff)
}

func TestRetention_MissingTierExpiresImmediately(t *testing.T) {
	p := policy.RetentionPolicy{policy.TierPublic: policy.Unlimited}
	assert.Error(t, p.Validate())

	ttl, finite := p.TTL(policy.TierInternal)
	assert.True(t, finite)
	assert.Zero(t, ttl)
}
