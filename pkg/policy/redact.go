package policy

import (
	_ "embed"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPatterns is the built-in redaction pattern set, compiled into the
// binary so it cannot be altered on the host.
//
//go:embed redaction_patterns.yaml
var DefaultPatterns []byte

const tokenPlaceholder = "<REDACTED_TOKEN>"

// Pattern is one redaction rule.
type Pattern struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Regex       string `yaml:"regex"`
	MinTier     Tier   `yaml:"min_tier"`
	Sensitivity Tier   `yaml:"sensitivity"`
	Priority    int    `yaml:"priority"`
	Replacement string `yaml:"replacement"`

	re *regexp.Regexp
}

type patternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// Redactor applies tiered redaction. It is immutable after construction
// and safe for concurrent use.
type Redactor struct {
	patterns []*Pattern
	byTier   [TierSecret][]*Pattern
}

// tokenRe finds candidates for the high-entropy scan.
var tokenRe = regexp.MustCompile(`[A-Za-z0-9+/=_\-]{20,}`)

// NewRedactor builds a Redactor from the built-in pattern set.
func NewRedactor() (*Redactor, error) {
	return LoadRedactor(DefaultPatterns)
}

// LoadRedactor parses a YAML pattern file and compiles it.
func LoadRedactor(data []byte) (*Redactor, error) {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal redaction patterns: %w", err)
	}

	r := &Redactor{}
	for i := range file.Patterns {
		p := &file.Patterns[i]
		if p.MinTier < TierInternal || p.MinTier > TierConfidential {
			return nil, fmt.Errorf("pattern %s: min_tier %d out of range 1..3", p.ID, p.MinTier)
		}
		if !p.Sensitivity.Valid() {
			return nil, fmt.Errorf("pattern %s: sensitivity %d out of range", p.ID, p.Sensitivity)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: failed to compile regex: %w", p.ID, err)
		}
		p.re = re
		if p.Replacement == "" {
			p.Replacement = "<REDACTED>"
		}
		r.patterns = append(r.patterns, p)
	}

	sort.SliceStable(r.patterns, func(i, j int) bool {
		return r.patterns[i].Priority > r.patterns[j].Priority
	})

	for t := TierInternal; t < TierSecret; t++ {
		for _, p := range r.patterns {
			if p.MinTier <= t {
				r.byTier[t] = append(r.byTier[t], p)
			}
		}
	}
	return r, nil
}

// rules returns the ordered rule set for a tier. Tier 0 has none.
func (r *Redactor) rules(tier Tier) ([]*Pattern, error) {
	if tier < TierPublic || tier >= TierSecret {
		return nil, fmt.Errorf("%w: %d", ErrRedactionPolicyUnknown, tier)
	}
	return r.byTier[tier], nil
}

// Redact returns the content that may be persisted at the given tier.
// It never fails: tier 4, unknown tiers and a nil Redactor all produce
// SecretPlaceholder.
func (r *Redactor) Redact(content string, tier Tier) string {
	if r == nil || tier == TierSecret {
		return SecretPlaceholder
	}
	rules, err := r.rules(tier)
	if err != nil {
		return SecretPlaceholder
	}

	out := content
	for _, p := range rules {
		out = p.re.ReplaceAllString(out, p.Replacement)
	}
	if tier >= TierSensitive {
		out = tokenRe.ReplaceAllStringFunc(out, func(tok string) string {
			if highEntropy(tok) {
				return tokenPlaceholder
			}
			return tok
		})
	}
	return out
}

// Classify returns the highest sensitivity among patterns that match the
// content, or TierPublic if none do.
func (r *Redactor) Classify(content string) Tier {
	if r == nil {
		return TierSecret
	}
	tier := TierPublic
	for _, p := range r.patterns {
		if p.Sensitivity > tier && p.re.MatchString(content) {
			tier = p.Sensitivity
		}
	}
	if tier < TierConfidential {
		for _, tok := range tokenRe.FindAllString(content, -1) {
			if highEntropy(tok) {
				return TierConfidential
			}
		}
	}
	return tier
}

// Patterns lists the loaded pattern ids in application order.
func (r *Redactor) Patterns() []string {
	ids := make([]string, 0, len(r.patterns))
	for _, p := range r.patterns {
		ids = append(ids, p.ID)
	}
	return ids
}

// highEntropy flags random-looking tokens: mixed letter case and digits
// with at least 3.5 bits of Shannon entropy per character. Hex digests
// lack upper case and are left alone.
func highEntropy(tok string) bool {
	if len(tok) < 20 {
		return false
	}
	if !strings.ContainsAny(tok, "abcdefghijklmnopqrstuvwxyz") ||
		!strings.ContainsAny(tok, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") ||
		!strings.ContainsAny(tok, "0123456789") {
		return false
	}
	return shannon(tok) >= 3.5
}

func shannon(s string) float64 {
	freq := make(map[rune]int)
	n := 0
	for _, c := range s {
		freq[c]++
		n++
	}
	var h float64
	for _, count := range freq {
		p := float64(count) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}
