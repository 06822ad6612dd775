package admission

import (
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/detection"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/quota"
)

// Outcome classifies an admission result.
type Outcome int

const (
	Admitted Outcome = iota
	QuotaExceeded
	UnknownKey
	InjectionDetected
	MalformedRequest
	Internal
)

var outcomeNames = [...]string{
	Admitted:          "admitted",
	QuotaExceeded:     "quota_exceeded",
	UnknownKey:        "unknown_key",
	InjectionDetected: "injection_detected",
	MalformedRequest:  "malformed_request",
	Internal:          "internal_error",
}

func (o Outcome) String() string {
	if o < Admitted || o > Internal {
		return "unknown"
	}
	return outcomeNames[o]
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Result is the admission decision. Err is nil exactly when Outcome is
// Admitted, and Handoff is set exactly then.
type Result struct {
	RequestID string
	Outcome   Outcome
	Err       error
	Handoff   *Handoff

	// Quota is the ledger decision; zero when the request failed before
	// the quota check.
	Quota quota.Decision

	// Classification is set once the classifier has run.
	Classification *detection.ClassificationResult
}

// Admitted reports whether the request may be dispatched.
func (r Result) Admitted() bool { return r.Outcome == Admitted }
