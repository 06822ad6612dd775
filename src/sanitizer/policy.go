// Package sanitizer strips sensitive values from request parameters before
// they are handed to a provider. Matching is by key name only; values are
// never inspected.
package sanitizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	// ErrMalformed is returned for parameter sets that contain unsupported
	// value types or nest too deeply.
	ErrMalformed = errors.New("malformed parameters")

	// ErrInvalidPattern is returned for sensitive-key patterns that do not
	// compile.
	ErrInvalidPattern = errors.New("invalid sensitive key pattern")
)

// DefaultMarker replaces redacted values.
const DefaultMarker = "***REDACTED***"

// MaxDepth bounds recursion into nested maps and arrays.
const MaxDepth = 32

// ParameterSet is a JSON-like parameter tree: scalars, nested maps and
// arrays.
type ParameterSet map[string]any

// Mode selects what happens to a sensitive key.
type Mode string

const (
	ModeRedact Mode = "redact"
	ModeRemove Mode = "remove"
)

// DefaultPatterns are matched against canonical key names (lower case,
// snake case; "apiKey" and "API-Key" both become "api_key").
func DefaultPatterns() []string {
	return []string{
		`^api_?(key|secret)$`,
		`^secret(_key)?$`,
		`^(password|passwd|passphrase|pwd)$`,
		`^((access|refresh|auth|bearer|session|id)_)?token$`,
		`^private_?key$`,
		`^credentials?$`,
		`^(auth|authorization)$`,
		`^client_secret$`,
		`_(secret|password|passwd|token|credentials?|api_key|private_key)$`,
	}
}

// Policy decides which keys are sensitive and how they are handled. A Policy
// is immutable and safe for concurrent use.
type Policy struct {
	sources  []string
	patterns []*regexp.Regexp
	mode     Mode
	marker   string
}

// NewPolicy compiles patterns case-insensitively. Nil patterns select
// DefaultPatterns; an empty mode selects ModeRedact; an empty marker selects
// DefaultMarker.
func NewPolicy(patterns []string, mode Mode, marker string) (*Policy, error) {
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	switch mode {
	case "":
		mode = ModeRedact
	case ModeRedact, ModeRemove:
	default:
		return nil, fmt.Errorf("unknown sanitization mode %q", mode)
	}
	if marker == "" {
		marker = DefaultMarker
	}

	p := &Policy{
		sources:  append([]string(nil), patterns...),
		patterns: make([]*regexp.Regexp, 0, len(patterns)),
		mode:     mode,
		marker:   marker,
	}
	for _, src := range patterns {
		re, err := regexp.Compile("(?i)" + src)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, src, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

var defaultPolicy = mustPolicy(NewPolicy(nil, ModeRedact, DefaultMarker))

func mustPolicy(p *Policy, err error) *Policy {
	if err != nil {
		panic(err)
	}
	return p
}

// DefaultPolicy redacts keys matching DefaultPatterns.
func DefaultPolicy() *Policy { return defaultPolicy }

// Patterns returns the pattern sources the policy was built from.
func (p *Policy) Patterns() []string { return append([]string(nil), p.sources...) }

// Mode returns the policy's handling mode.
func (p *Policy) Mode() Mode { return p.mode }

// IsSensitive reports whether key names a sensitive value.
func (p *Policy) IsSensitive(key string) bool {
	canonical := CanonicalKey(key)
	for _, re := range p.patterns {
		if re.MatchString(canonical) {
			return true
		}
	}
	return false
}

// CanonicalKey lower-cases key and converts camelCase, kebab-case, dotted
// and spaced names to snake_case.
func CanonicalKey(key string) string {
	var b strings.Builder
	b.Grow(len(key) + 4)

	prevLower := false
	for _, r := range strings.TrimSpace(key) {
		switch {
		case r == '-' || r == ' ' || r == '.':
			b.WriteByte('_')
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	return b.String()
}

// Sanitize returns a deep copy of params with sensitive keys redacted or
// removed at every depth. params is not modified. Applying Sanitize to its
// own output returns an equal set.
func (p *Policy) Sanitize(params ParameterSet) (ParameterSet, error) {
	if params == nil {
		return nil, nil
	}
	out, err := p.sanitizeMap(params, 1)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Policy) sanitizeMap(in map[string]any, depth int) (map[string]any, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d levels", ErrMalformed, MaxDepth)
	}

	out := make(map[string]any, len(in))
	for key, value := range in {
		if p.IsSensitive(key) {
			redactedTotal.WithLabelValues(string(p.mode)).Inc()
			if p.mode == ModeRedact {
				out[key] = p.marker
			}
			continue
		}

		v, err := p.sanitizeValue(value, depth)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func (p *Policy) sanitizeValue(value any, depth int) (any, error) {
	switch v := value.(type) {
	case nil, bool, string, json.Number,
		float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v, nil
	case ParameterSet:
		m, err := p.sanitizeMap(v, depth+1)
		if err != nil {
			return nil, err
		}
		return ParameterSet(m), nil
	case map[string]any:
		return p.sanitizeMap(v, depth+1)
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, s := range v {
			m[k] = s
		}
		return p.sanitizeMap(m, depth+1)
	case []any:
		if depth+1 > MaxDepth {
			return nil, fmt.Errorf("%w: nesting deeper than %d levels", ErrMalformed, MaxDepth)
		}
		out := make([]any, len(v))
		for i, elem := range v {
			e, err := p.sanitizeValue(elem, depth+1)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = e
		}
		return out, nil
	case []string:
		return append([]string(nil), v...), nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrMalformed, value)
	}
}

// Sanitize redacts keys matching patterns (DefaultPatterns when nil) in
// params.
func Sanitize(params ParameterSet, patterns []string) (ParameterSet, error) {
	policy := defaultPolicy
	if patterns != nil {
		var err error
		if policy, err = NewPolicy(patterns, ModeRedact, DefaultMarker); err != nil {
			return nil, err
		}
	}
	return policy.Sanitize(params)
}
