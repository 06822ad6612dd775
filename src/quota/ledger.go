package quota

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

// Decision reasons.
const (
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonUnknownKey    = "unknown_key"
)

// Decision is the outcome of one CheckAndConsume or Usage call.
type Decision struct {
	Admitted  bool      `json:"admitted"`
	Reason    string    `json:"reason,omitempty"`
	Tier      Tier      `json:"tier,omitempty"`
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"` // Unlimited for unlimited tiers
	ResetsAt  time.Time `json:"resets_at,omitzero"`

	// RetryAfter is the time until the counter resets. Set only for
	// ReasonQuotaExceeded.
	RetryAfter time.Duration `json:"-"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int64(math.Ceil(d.RetryAfter.Seconds()))
}

// Options configures a Ledger.
type Options struct {
	Limits Limits // DefaultLimits when nil

	// AutoRegister creates unknown keys at DefaultTier on first use instead
	// of rejecting them.
	AutoRegister bool
	DefaultTier  Tier // TierFree when empty

	Store Store            // NewMemoryStore when nil
	Now   func() time.Time // time.Now when nil
}

type ledgerPolicy struct {
	limits       Limits
	autoRegister bool
	defaultTier  Tier
}

// Ledger admits requests per API key against its tier's daily limit.
// Counters reset lazily at the first check on or after the stored UTC
// midnight; there is no background timer.
type Ledger struct {
	store  Store
	now    func() time.Time
	policy atomic.Pointer[ledgerPolicy]
	log    *slog.Logger
}

// NewLedger validates opts and returns a ledger.
func NewLedger(opts Options, log *slog.Logger) (*Ledger, error) {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &Ledger{
		store: opts.Store,
		now:   opts.Now,
		log:   log.With("area", "Quota"),
	}
	if err := l.Configure(opts.Limits, opts.AutoRegister, opts.DefaultTier); err != nil {
		return nil, err
	}
	return l, nil
}

// Configure replaces the tier limits and auto-registration policy. Counts
// are kept; a lowered limit applies from the next check.
func (l *Ledger) Configure(limits Limits, autoRegister bool, defaultTier Tier) error {
	if limits == nil {
		limits = DefaultLimits()
	}
	if err := limits.Validate(); err != nil {
		return err
	}
	if defaultTier == "" {
		defaultTier = TierFree
	}
	if _, ok := limits[defaultTier]; !ok {
		return fmt.Errorf("%w: default tier %q", ErrUnknownTier, defaultTier)
	}

	l.policy.Store(&ledgerPolicy{
		limits:       limits.clone(),
		autoRegister: autoRegister,
		defaultTier:  defaultTier,
	})
	return nil
}

// SetLimits replaces the tier limits, keeping the auto-registration policy.
func (l *Ledger) SetLimits(limits Limits) error {
	cur := l.policy.Load()
	return l.Configure(limits, cur.autoRegister, cur.defaultTier)
}

// Limits returns a copy of the active tier limits.
func (l *Ledger) Limits() Limits { return l.policy.Load().limits.clone() }

// Register adds key at tier. Re-registering an existing key changes its
// tier and keeps its count.
func (l *Ledger) Register(key string, tier Tier) error {
	if key == "" {
		return errors.New("empty api key")
	}
	if _, ok := l.policy.Load().limits[tier]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	now := l.now()
	l.store.Apply(key, func(rec *Record, exists bool) bool {
		if !exists {
			rec.ResetsAt = nextReset(now)
		}
		rec.Tier = tier
		return true
	})
	return nil
}

// CheckAndConsume admits and counts one request for key, or explains why
// not. The reset, the comparison and the increment happen in one critical
// section, so concurrent calls for the same key never overshoot the limit.
func (l *Ledger) CheckAndConsume(key string) Decision {
	now := l.now()
	pol := l.policy.Load()

	var d Decision
	if key == "" {
		d = Decision{Reason: ReasonUnknownKey}
		decisionsTotal.WithLabelValues(ReasonUnknownKey).Inc()
		return d
	}

	l.store.Apply(key, func(rec *Record, exists bool) bool {
		if !exists {
			if !pol.autoRegister {
				d = Decision{Reason: ReasonUnknownKey}
				return false
			}
			rec.Tier = pol.defaultTier
			rec.ResetsAt = nextReset(now)
			l.log.Info("api key auto-registered", "key", Mask(key), "tier", rec.Tier)
		}

		if !now.Before(rec.ResetsAt) {
			rec.Count = 0
			rec.ResetsAt = nextReset(now)
		}

		limit, ok := pol.limits[rec.Tier]
		if !ok {
			limit = 0
		}

		if limit != Unlimited && rec.Count >= limit {
			d = decision(rec, limit)
			d.Reason = ReasonQuotaExceeded
			d.RetryAfter = rec.ResetsAt.Sub(now)
			return true
		}

		rec.Count++
		d = decision(rec, limit)
		d.Admitted = true
		return true
	})

	switch {
	case d.Admitted:
		decisionsTotal.WithLabelValues("admitted").Inc()
	default:
		decisionsTotal.WithLabelValues(d.Reason).Inc()
		l.log.Debug("request not admitted", "key", Mask(key), "reason", d.Reason, "tier", d.Tier, "used", d.Used)
	}
	return d
}

// Usage reports the key's standing without consuming. A counter past its
// reset time is reported as zero.
func (l *Ledger) Usage(key string) (Decision, bool) {
	rec, ok := l.store.Get(key)
	if !ok {
		return Decision{Reason: ReasonUnknownKey}, false
	}

	now := l.now()
	if !now.Before(rec.ResetsAt) {
		rec.Count = 0
		rec.ResetsAt = nextReset(now)
	}

	limit, ok := l.policy.Load().limits[rec.Tier]
	if !ok {
		limit = 0
	}
	d := decision(&rec, limit)
	d.Admitted = limit == Unlimited || rec.Count < limit
	return d, true
}

// Keys returns the number of known keys.
func (l *Ledger) Keys() int { return l.store.Len() }

func decision(rec *Record, limit int64) Decision {
	remaining := Unlimited
	if limit != Unlimited {
		remaining = max(0, limit-rec.Count)
	}
	return Decision{
		Tier:      rec.Tier,
		Limit:     limit,
		Used:      rec.Count,
		Remaining: remaining,
		ResetsAt:  rec.ResetsAt,
	}
}

// nextReset returns the first UTC midnight strictly after t.
func nextReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// Mask keeps the first eight characters of an API key. Keys of eight
// characters or fewer are hidden entirely.
func Mask(key string) string {
	runes := []rune(key)
	switch {
	case len(runes) == 0:
		return ""
	case len(runes) <= 8:
		return "***"
	}
	return string(runes[:8]) + "..."
}
