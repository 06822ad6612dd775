package admission

import (
	"errors"
	"fmt"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/detection"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/quota"
)

var (
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrUnknownKey        = errors.New("unknown api key")
	ErrInjectionDetected = errors.New("injection detected")
	ErrMalformedRequest  = errors.New("malformed request")
	ErrInternal          = errors.New("internal error")
)

// QuotaError carries the ledger decision for a rejected key.
type QuotaError struct {
	Decision quota.Decision
}

func (e *QuotaError) Error() string {
	if e.Decision.Reason == quota.ReasonUnknownKey {
		return "unknown api key"
	}
	return fmt.Sprintf("quota exceeded (%d/day on %s tier)", e.Decision.Limit, e.Decision.Tier)
}

func (e *QuotaError) Unwrap() error {
	if e.Decision.Reason == quota.ReasonUnknownKey {
		return ErrUnknownKey
	}
	return ErrQuotaExceeded
}

// InjectionError names the detected category, never the rule that fired.
type InjectionError struct {
	Category detection.Category
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("potential %s detected", e.Category)
}

func (e *InjectionError) Unwrap() error { return ErrInjectionDetected }
