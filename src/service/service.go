// Package service is the transport-neutral face of the gateway. The HTTP
// API, the MCP tools and the CLI all call into a Service.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/admission"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/audit"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/config"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/detection"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/quota"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/router"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/sanitizer"
)

// Router forwards admitted requests to providers.
type Router interface {
	Dispatch(ctx context.Context, h *admission.Handoff) (router.Reply, error)
	Providers() []router.Status
}

// Service owns the admission pipeline, the quota ledger and the audit log.
type Service struct {
	pipeline *admission.Pipeline
	ledger   *quota.Ledger
	router   Router
	audit    *audit.Log
	logger   *slog.Logger // passed to components rebuilt on reload
	log      *slog.Logger

	mu         sync.RWMutex
	classifier *detection.Classifier
	statsBase  detection.Stats       // counts of classifiers replaced by Reload
	registered []detection.Signature // signatures added through RegisterSignature
}

// New builds a service from cfg. r may be nil, in which case every send
// fails with router.ErrUnknownProvider.
func New(cfg config.Config, r Router, logger *slog.Logger) (*Service, error) {
	classifier, stages, _, err := buildStages(cfg, nil, logger)
	if err != nil {
		return nil, err
	}

	ledger, err := quota.NewLedger(quota.Options{
		Limits:       cfg.Quota.Limits(),
		AutoRegister: deref(cfg.Quota.AutoRegister),
		DefaultTier:  quota.ParseTier(cfg.Quota.DefaultTier),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: quota: %w", config.ErrInvalidConfiguration, err)
	}
	if err := registerKeys(ledger, cfg.Quota.Keys); err != nil {
		return nil, err
	}

	size := audit.DefaultMaxEntries
	if cfg.Audit.MaxEntries != nil {
		size = *cfg.Audit.MaxEntries
	}

	if r == nil {
		r = noRouter{}
	}

	return &Service{
		pipeline:   admission.New(ledger, stages, logger),
		ledger:     ledger,
		router:     r,
		audit:      audit.New(size, logger),
		logger:     logger,
		log:        logger.With("area", "Service"),
		classifier: classifier,
	}, nil
}

// buildStages compiles the detection and sanitization sections and
// re-registers extra on the new classifier. It returns the extra
// signatures that were kept.
func buildStages(cfg config.Config, extra []detection.Signature, log *slog.Logger) (*detection.Classifier, admission.Stages, []detection.Signature, error) {
	cc, err := cfg.Detection.ClassifierConfig()
	if err != nil {
		return nil, admission.Stages{}, nil, fmt.Errorf("%w: detection: %w", config.ErrInvalidConfiguration, err)
	}
	classifier, err := detection.NewClassifier(cc, log)
	if err != nil {
		return nil, admission.Stages{}, nil, fmt.Errorf("%w: detection: %w", config.ErrInvalidConfiguration, err)
	}

	policy, err := cfg.Sanitization.Policy()
	if err != nil {
		return nil, admission.Stages{}, nil, fmt.Errorf("%w: sanitization: %w", config.ErrInvalidConfiguration, err)
	}

	var kept []detection.Signature
	for _, sig := range extra {
		if err := classifier.Register(sig); err != nil {
			log.Warn("runtime signature dropped on reload", "area", "Service", "id", sig.ID, "err", err)
			continue
		}
		kept = append(kept, sig)
	}

	return classifier, admission.Stages{
		Classifier: classifier,
		Policy:     policy,
		TextFields: cfg.Admission.TextFields,
	}, kept, nil
}

func registerKeys(ledger *quota.Ledger, keys []config.KeyConfig) error {
	for _, k := range keys {
		if err := ledger.Register(k.Key, quota.ParseTier(k.Tier)); err != nil {
			return fmt.Errorf("%w: quota key %s: %w", config.ErrInvalidConfiguration, quota.Mask(k.Key), err)
		}
	}
	return nil
}

// Reload applies a configuration returned by config.Load. A detection or
// sanitization section that fails to compile leaves the service as it was.
// Usage counters, the audit log and signatures added at runtime survive; a
// runtime signature whose id the new configuration also defines is dropped
// in favour of the configured one.
func (s *Service) Reload(cfg config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	classifier, stages, kept, err := buildStages(cfg, s.registered, s.logger)
	if err != nil {
		return err
	}

	if err := s.ledger.Configure(cfg.Quota.Limits(), deref(cfg.Quota.AutoRegister), quota.ParseTier(cfg.Quota.DefaultTier)); err != nil {
		return fmt.Errorf("%w: quota: %w", config.ErrInvalidConfiguration, err)
	}
	if err := registerKeys(s.ledger, cfg.Quota.Keys); err != nil {
		return err
	}

	s.pipeline.Reconfigure(stages)

	old := s.classifier.Stats()
	s.statsBase.Total += old.Total
	s.statsBase.Blocked += old.Blocked
	s.statsBase.Passed += old.Passed
	s.classifier = classifier
	s.registered = kept

	s.log.Info("configuration reloaded", "signatures", len(classifier.Matcher().Signatures()), "keys", s.ledger.Keys())
	return nil
}

// SendRequest is one call to a provider.
type SendRequest struct {
	APIKey      string
	Action      string
	Provider    string
	Lang        string
	Parameters  sanitizer.ParameterSet
	Credentials admission.Credentials
}

// SendResult is the gateway's answer to a SendRequest. Outcome and Err are
// for transports mapping the result to status codes.
type SendResult struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id"`
	Provider  string          `json:"provider"`
	Result    any             `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Usage     *quota.Decision `json:"usage,omitempty"`

	Outcome admission.Outcome `json:"-"`
	Err     error             `json:"-"`
}

// BlockedMessage is the caller-facing text for a blocked request. It names
// the category only.
func BlockedMessage(category detection.Category) string {
	return fmt.Sprintf("Request blocked: potential %s detected. If this is a false positive, contact support.", category)
}

// Send admits the request, dispatches it and records it in the audit log.
func (s *Service) Send(ctx context.Context, req SendRequest) SendResult {
	start := time.Now()

	out := SendResult{Provider: req.Provider}

	lang, err := detection.ParseLanguage(req.Lang)
	if err != nil {
		out.RequestID = admission.NewRequestID()
		out.Outcome = admission.MalformedRequest
		out.Err = fmt.Errorf("%w: %w", admission.ErrMalformedRequest, err)
		out.Error = out.Err.Error()
		s.record(req, out, start)
		return out
	}

	res := s.pipeline.Admit(ctx, admission.Request{
		APIKey:      req.APIKey,
		Action:      req.Action,
		Provider:    req.Provider,
		Lang:        lang,
		Parameters:  req.Parameters,
		Credentials: req.Credentials,
	})
	out.RequestID = res.RequestID
	out.Outcome = res.Outcome
	if res.Quota.Tier != "" {
		usage := res.Quota
		out.Usage = &usage
	}

	if !res.Admitted() {
		out.Err = res.Err
		out.Error = res.Err.Error()
		var inj *admission.InjectionError
		if errors.As(res.Err, &inj) {
			out.Error = BlockedMessage(inj.Category)
		}
		s.record(req, out, start)
		return out
	}

	reply, err := s.router.Dispatch(ctx, res.Handoff)
	if err != nil {
		out.Err = err
		out.Error = err.Error()
		s.record(req, out, start)
		return out
	}

	out.Success = true
	out.Result = reply.Result
	s.record(req, out, start)
	return out
}

func (s *Service) record(req SendRequest, out SendResult, start time.Time) {
	e := audit.Entry{
		RequestID: out.RequestID,
		Action:    req.Action,
		Provider:  req.Provider,
		APIKey:    req.APIKey,
		Outcome:   out.Outcome.String(),
		Blocked:   out.Outcome == admission.InjectionDetected,
		ElapsedMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	var inj *admission.InjectionError
	switch {
	case errors.As(out.Err, &inj):
		e.Reason = string(inj.Category)
	case out.Err != nil:
		e.Error = out.Err.Error()
	}
	s.audit.Record(e)
}

// Classify runs the injection classifier alone.
func (s *Service) Classify(ctx context.Context, text, lang string) (detection.ClassificationResult, error) {
	l, err := detection.ParseLanguage(lang)
	if err != nil {
		return detection.ClassificationResult{}, err
	}
	s.mu.RLock()
	c := s.classifier
	s.mu.RUnlock()
	return c.Classify(ctx, text, l)
}

// Sanitize applies the active sanitization policy.
func (s *Service) Sanitize(params sanitizer.ParameterSet) (sanitizer.ParameterSet, error) {
	return s.pipeline.Policy().Sanitize(params)
}

// Usage reports a key's quota standing without consuming.
func (s *Service) Usage(key string) (quota.Decision, bool) {
	return s.ledger.Usage(key)
}

// RegisterKey adds or re-tiers an API key.
func (s *Service) RegisterKey(key string, tier quota.Tier) error {
	return s.ledger.Register(key, tier)
}

// RegisterSignature adds a signature to the running classifier. It is kept
// across reloads.
func (s *Service) RegisterSignature(sig detection.Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.classifier.Register(sig); err != nil {
		return err
	}
	s.registered = append(s.registered, sig)
	return nil
}

// Providers lists configured providers and their connection state.
func (s *Service) Providers() []router.Status {
	return s.router.Providers()
}

// Stats returns classifier counts since start, across reloads.
func (s *Service) Stats() detection.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.classifier.Stats()
	return detection.Stats{
		Total:   s.statsBase.Total + cur.Total,
		Blocked: s.statsBase.Blocked + cur.Blocked,
		Passed:  s.statsBase.Passed + cur.Passed,
	}
}

// Audit exposes the audit log.
func (s *Service) Audit() *audit.Log { return s.audit }

type noRouter struct{}

func (noRouter) Dispatch(_ context.Context, h *admission.Handoff) (router.Reply, error) {
	return router.Reply{}, fmt.Errorf("%w '%s'. Available: none", router.ErrUnknownProvider, h.Provider)
}

func (noRouter) Providers() []router.Status { return nil }

func deref(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}
