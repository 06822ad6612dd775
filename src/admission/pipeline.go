package admission

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/detection"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/quota"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/sanitizer"
)

// QuotaChecker admits and counts one request per call.
type QuotaChecker interface {
	CheckAndConsume(key string) quota.Decision
}

// Classifier decides whether text is an injection attempt.
type Classifier interface {
	Classify(ctx context.Context, text string, lang detection.Language) (detection.ClassificationResult, error)
}

// DefaultTextFields are the parameter names whose string values are
// classified.
func DefaultTextFields() []string {
	return []string{"text", "prompt", "message", "content", "instructions", "query", "system", "input"}
}

// Stages are the swappable parts of the pipeline. A reload replaces all of
// them at once.
type Stages struct {
	Classifier Classifier
	Policy     *sanitizer.Policy
	TextFields []string // DefaultTextFields when empty
}

type stages struct {
	classifier Classifier
	policy     *sanitizer.Policy
	fields     map[string]struct{}
}

// Pipeline runs quota, classification and sanitization in that order. It is
// safe for concurrent use; Reconfigure never races with Admit.
type Pipeline struct {
	quota  QuotaChecker
	stages atomic.Pointer[stages]
	log    *slog.Logger
}

// New returns a pipeline. A nil Policy selects sanitizer.DefaultPolicy.
func New(q QuotaChecker, s Stages, log *slog.Logger) *Pipeline {
	p := &Pipeline{quota: q, log: log.With("area", "Admission")}
	p.Reconfigure(s)
	return p
}

// Reconfigure swaps classifier, policy and text fields for requests that
// start after it returns.
func (p *Pipeline) Reconfigure(s Stages) {
	policy := s.Policy
	if policy == nil {
		policy = sanitizer.DefaultPolicy()
	}
	fields := s.TextFields
	if len(fields) == 0 {
		fields = DefaultTextFields()
	}

	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[sanitizer.CanonicalKey(f)] = struct{}{}
	}

	p.stages.Store(&stages{classifier: s.Classifier, policy: policy, fields: set})
}

// Policy returns the active sanitization policy.
func (p *Pipeline) Policy() *sanitizer.Policy { return p.stages.Load().policy }

var tracer = otel.Tracer("pulse.admission")

// Admit decides one request. Every failure is reported in the Result;
// a panic in any stage becomes an Internal outcome.
func (p *Pipeline) Admit(ctx context.Context, req Request) (res Result) {
	if req.RequestID == "" {
		req.RequestID = NewRequestID()
	}
	res.RequestID = req.RequestID

	ctx, span := tracer.Start(ctx, "admission.admit", trace.WithAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("request.action", req.Action),
		attribute.String("request.provider", req.Provider),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("admission panicked", "request_id", req.RequestID, "panic", r, "stack", string(debug.Stack()))
			res = Result{
				RequestID: req.RequestID,
				Outcome:   Internal,
				Err:       fmt.Errorf("%w: %v", ErrInternal, r),
				Quota:     res.Quota,
			}
		}

		span.SetAttributes(attribute.String("admission.outcome", res.Outcome.String()))
		if res.Err != nil {
			span.SetStatus(codes.Error, res.Outcome.String())
		}
		outcomesTotal.WithLabelValues(res.Outcome.String()).Inc()
	}()

	st := p.stages.Load()

	if err := validate(req); err != nil {
		res.Outcome, res.Err = MalformedRequest, err
		return res
	}

	res.Quota = p.quota.CheckAndConsume(req.APIKey)
	if !res.Quota.Admitted {
		res.Outcome = QuotaExceeded
		if res.Quota.Reason == quota.ReasonUnknownKey {
			res.Outcome = UnknownKey
		}
		res.Err = &QuotaError{Decision: res.Quota}
		span.AddEvent("quota.rejected")
		return res
	}

	text, err := collectText(req.Parameters, st)
	if err != nil {
		res.Outcome, res.Err = MalformedRequest, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
		return res
	}

	// Every signature is evaluated whatever language the caller claims.
	cr, err := st.classifier.Classify(ctx, text, detection.LangAny)
	if err != nil {
		res.Outcome, res.Err = Internal, fmt.Errorf("%w: %w", ErrInternal, err)
		return res
	}
	res.Classification = &cr
	span.SetAttributes(attribute.Float64("detection.score", cr.Score))

	if cr.Blocked() {
		res.Outcome = InjectionDetected
		res.Err = &InjectionError{Category: cr.Category}
		span.SetAttributes(attribute.String("detection.category", string(cr.Category)))
		span.AddEvent("injection.blocked")
		p.log.Warn("request blocked",
			"request_id", req.RequestID,
			"key", quota.Mask(req.APIKey),
			"category", cr.Category,
		)
		return res
	}

	clean, err := st.policy.Sanitize(req.Parameters)
	if err != nil {
		res.Outcome, res.Err = MalformedRequest, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
		return res
	}
	if clean == nil {
		clean = sanitizer.ParameterSet{}
	}

	res.Outcome = Admitted
	res.Handoff = &Handoff{
		RequestID:   req.RequestID,
		Action:      req.Action,
		Provider:    req.Provider,
		Lang:        req.Lang,
		Parameters:  clean,
		Credentials: req.Credentials,
		Quota:       res.Quota,
	}
	p.log.Debug("request admitted", "request_id", req.RequestID, "provider", req.Provider, "action", req.Action)
	return res
}

func validate(req Request) error {
	var missing []string
	if strings.TrimSpace(req.Action) == "" {
		missing = append(missing, "action")
	}
	if strings.TrimSpace(req.Provider) == "" {
		missing = append(missing, "provider")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedRequest, strings.Join(missing, ", "))
	}
	return nil
}

var errTooDeep = fmt.Errorf("%w: nesting deeper than %d levels", sanitizer.ErrMalformed, sanitizer.MaxDepth)

// collectText gathers string values found under text fields at any depth,
// visiting keys in sorted order. Sensitive keys are never read.
func collectText(params sanitizer.ParameterSet, st *stages) (string, error) {
	var parts []string
	if err := walkText(map[string]any(params), false, 1, st, &parts); err != nil {
		return "", err
	}
	return strings.Join(parts, "\n"), nil
}

func walkText(value any, inField bool, depth int, st *stages, parts *[]string) error {
	if depth > sanitizer.MaxDepth {
		return errTooDeep
	}

	switch v := value.(type) {
	case string:
		if inField && strings.TrimSpace(v) != "" {
			*parts = append(*parts, v)
		}
	case []string:
		if inField {
			for _, s := range v {
				if strings.TrimSpace(s) != "" {
					*parts = append(*parts, s)
				}
			}
		}
	case []any:
		for _, elem := range v {
			if err := walkText(elem, inField, depth+1, st, parts); err != nil {
				return err
			}
		}
	case sanitizer.ParameterSet:
		return walkMap(v, inField, depth, st, parts)
	case map[string]any:
		return walkMap(v, inField, depth, st, parts)
	}
	return nil
}

// walkMap descends into m. Below a text field every string is collected,
// whatever its key.
func walkMap(m map[string]any, inField bool, depth int, st *stages, parts *[]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if st.policy.IsSensitive(k) {
			continue
		}
		_, field := st.fields[sanitizer.CanonicalKey(k)]
		if err := walkText(m[k], inField || field, depth+1, st, parts); err != nil {
			return err
		}
	}
	return nil
}
