package policy

import (
	"fmt"
	"time"
)

// Unlimited marks a tier whose entries never expire.
const Unlimited time.Duration = -1

// RetentionPolicy maps a tier to how long its entries are kept. A tier
// missing from the map is kept for zero time, so unknown tiers expire on
// the next sweep.
type RetentionPolicy map[Tier]time.Duration

// DefaultRetention keeps public data forever and shortens retention as
// sensitivity rises. Tier 4 only ever holds placeholders, which are
// dropped on the next sweep.
func DefaultRetention() RetentionPolicy {
	const day = 24 * time.Hour
	return RetentionPolicy{
		TierPublic:       Unlimited,
		TierInternal:     365 * day,
		TierSensitive:    180 * day,
		TierConfidential: 90 * day,
		TierSecret:       0,
	}
}

// TTL returns the retention for tier and whether it is finite.
func (p RetentionPolicy) TTL(tier Tier) (time.Duration, bool) {
	d, ok := p[tier.Normalize()]
	if !ok {
		return 0, true
	}
	if d < 0 {
		return 0, false
	}
	return d, true
}

// Cutoff returns the creation time before which entries of tier are
// expired at now. ok is false when the tier never expires.
func (p RetentionPolicy) Cutoff(tier Tier, now time.Time) (cutoff time.Time, ok bool) {
	ttl, finite := p.TTL(tier)
	if !finite {
		return time.Time{}, false
	}
	return now.Add(-ttl), true
}

// Validate checks that every tier 0..4 has an entry.
func (p RetentionPolicy) Validate() error {
	for t := TierPublic; t <= TierSecret; t++ {
		if _, ok := p[t]; !ok {
			return fmt.Errorf("retention policy: missing tier %d", t)
		}
	}
	return nil
}
