// Package quota tracks per-key daily request counts against tiered limits.
package quota

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownTier is returned when a key is registered against a tier that
// has no limit.
var ErrUnknownTier = errors.New("unknown tier")

// Tier names a service level.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// ParseTier lower-cases and trims s.
func ParseTier(s string) Tier { return Tier(strings.ToLower(strings.TrimSpace(s))) }

// Unlimited as a limit admits every request. Requests are still counted.
const Unlimited int64 = -1

// Limits maps a tier to its requests-per-day limit.
type Limits map[Tier]int64

// DefaultLimits returns free=100, pro=10,000 and business=unlimited.
func DefaultLimits() Limits {
	return Limits{
		TierFree:     100,
		TierPro:      10_000,
		TierBusiness: Unlimited,
	}
}

// Validate requires at least one tier and no limit below Unlimited.
func (l Limits) Validate() error {
	if len(l) == 0 {
		return errors.New("no tiers configured")
	}
	for _, tier := range l.Tiers() {
		if tier == "" {
			return errors.New("empty tier name")
		}
		if n := l[tier]; n < Unlimited {
			return fmt.Errorf("tier %s: limit %d is invalid (use %d for unlimited)", tier, n, Unlimited)
		}
	}
	return nil
}

// Tiers returns the configured tier names, sorted.
func (l Limits) Tiers() []Tier {
	out := make([]Tier, 0, len(l))
	for t := range l {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (l Limits) clone() Limits {
	out := make(Limits, len(l))
	for t, n := range l {
		out[t] = n
	}
	return out
}
