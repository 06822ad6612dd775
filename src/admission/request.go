// Package admission decides whether a request may be forwarded to a
// provider: quota first, then injection classification, then parameter
// sanitization. It performs no I/O.
package admission

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/detection"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/quota"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/sanitizer"
)

// Credentials is provider configuration (API keys, endpoints) supplied by
// the caller. It travels beside the payload, never inside it, and redacts
// itself when logged, printed or encoded.
type Credentials map[string]any

const redacted = "[REDACTED]"

func (c Credentials) LogValue() slog.Value {
	if len(c) == 0 {
		return slog.StringValue("none")
	}
	return slog.StringValue(redacted)
}

func (c Credentials) String() string { return redacted }

func (c Credentials) GoString() string { return redacted }

// MarshalJSON never emits the values.
func (c Credentials) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Request is one inbound call.
type Request struct {
	RequestID   string // generated when empty
	APIKey      string
	Action      string
	Provider    string
	Lang        detection.Language // forwarded to the provider; never narrows detection
	Parameters  sanitizer.ParameterSet
	Credentials Credentials
}

// Handoff is what the router receives for an admitted request. Parameters
// are already sanitized.
type Handoff struct {
	RequestID   string
	Action      string
	Provider    string
	Lang        detection.Language
	Parameters  sanitizer.ParameterSet
	Credentials Credentials
	Quota       quota.Decision
}

// NewRequestID returns a short random request id.
func NewRequestID() string {
	return uuid.NewString()[:8]
}
