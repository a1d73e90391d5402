package policy

import "fmt"

// Tier is a sensitivity level from 0 (public) to 4 (secret). It selects
// the redaction rule set and the retention period.
type Tier int

const (
	TierPublic Tier = iota
	TierInternal
	TierSensitive
	TierConfidential
	TierSecret
)

// SecretPlaceholder replaces the whole payload of tier 4 content.
const SecretPlaceholder = "<REDACTED_SECRET>"

// Valid reports whether t is within 0..4.
func (t Tier) Valid() bool {
	return t >= TierPublic && t <= TierSecret
}

func (t Tier) String() string {
	switch t {
	case TierPublic:
		return "public"
	case TierInternal:
		return "internal"
	case TierSensitive:
		return "sensitive"
	case TierConfidential:
		return "confidential"
	case TierSecret:
		return "secret"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Normalize maps any unknown tier to TierSecret.
func (t Tier) Normalize() Tier {
	if !t.Valid() {
		return TierSecret
	}
	return t
}

// MaxTier returns the more sensitive of two tiers, normalizing both.
func MaxTier(a, b Tier) Tier {
	a, b = a.Normalize(), b.Normalize()
	if a > b {
		return a
	}
	return b
}
