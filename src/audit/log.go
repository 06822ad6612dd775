// Package audit keeps a bounded in-memory trail of gateway requests.
package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/quota"
)

// DefaultMaxEntries bounds the log when no size is configured.
const DefaultMaxEntries = 10_000

// Entry is one audited request. APIKey is always masked.
type Entry struct {
	RequestID string    `json:"request_id"`
	Action    string    `json:"action"`
	Provider  string    `json:"provider"`
	APIKey    string    `json:"api_key"`
	Outcome   string    `json:"outcome"`
	Blocked   bool      `json:"blocked"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	ElapsedMS float64   `json:"elapsed_ms,omitempty"`
	LoggedAt  time.Time `json:"logged_at"`
}

// Log is a fixed-size ring of entries; the oldest entry is dropped when
// full. Entries are mirrored to the structured logger.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool

	now func() time.Time
	log *slog.Logger
}

// New returns a log holding at most size entries (DefaultMaxEntries when
// size <= 0).
func New(size int, log *slog.Logger) *Log {
	if size <= 0 {
		size = DefaultMaxEntries
	}
	return &Log{
		entries: make([]Entry, size),
		now:     time.Now,
		log:     log.With("area", "Audit"),
	}
}

// Record masks the entry's API key, stamps it and appends it.
func (l *Log) Record(e Entry) {
	e.APIKey = quota.Mask(e.APIKey)
	e.LoggedAt = l.now().UTC()

	l.mu.Lock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	attrs := []any{
		"request_id", e.RequestID,
		"action", e.Action,
		"provider", e.Provider,
		"api_key", e.APIKey,
		"outcome", e.Outcome,
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}
	if e.ElapsedMS > 0 {
		attrs = append(attrs, "elapsed_ms", e.ElapsedMS)
	}
	if e.Blocked {
		l.log.Warn("request blocked", attrs...)
		return
	}
	l.log.Info("request handled", attrs...)
}

// Entries returns a copy of the log, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return append([]Entry(nil), l.entries[:l.next]...)
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// Count returns the number of retained entries.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.full {
		return len(l.entries)
	}
	return l.next
}
