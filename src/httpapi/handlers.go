package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/admission"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/config"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/detection"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/sanitizer"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/service"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/transport"
)

const apiKeyHeader = "X-API-Key"

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	statuses := s.svc.Providers()
	names := make([]string, 0, len(statuses))
	for _, p := range statuses {
		names = append(names, p.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   "PULSE Gateway",
		"version":   transport.Version,
		"status":    "running",
		"providers": names,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_checks":  s.svc.Audit().Count(),
		"security_stats": s.svc.Stats(),
	})
}

type sendBody struct {
	Action         string                 `json:"action"`
	Provider       string                 `json:"provider"`
	Lang           string                 `json:"lang,omitempty"`
	Parameters     sanitizer.ParameterSet `json:"parameters"`
	ProviderConfig map[string]any         `json:"provider_config"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(apiKeyHeader)
	if key == "" {
		writeDetail(w, http.StatusUnauthorized, "Missing X-API-Key header.")
		return
	}

	var body sendBody
	if err := decode(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	out := s.svc.Send(r.Context(), service.SendRequest{
		APIKey:      key,
		Action:      body.Action,
		Provider:    body.Provider,
		Lang:        body.Lang,
		Parameters:  body.Parameters,
		Credentials: admission.Credentials(body.ProviderConfig),
	})

	if out.Usage != nil {
		writeRateLimitHeaders(w, out.Usage.Limit, out.Usage.Remaining, out.Usage.ResetsAt)
	}

	switch {
	case errors.Is(out.Err, admission.ErrQuotaExceeded):
		w.Header().Set("Retry-After", strconv.FormatInt(out.Usage.RetryAfterSeconds(), 10))
		writeDetail(w, http.StatusTooManyRequests, map[string]any{
			"error": out.Error,
			"usage": out.Usage,
		})
	case errors.Is(out.Err, admission.ErrUnknownKey):
		writeDetail(w, http.StatusTooManyRequests, map[string]any{
			"error": "Unknown API key. Register first.",
		})
	case errors.Is(out.Err, admission.ErrMalformedRequest):
		writeDetail(w, http.StatusBadRequest, out.Error)
	case errors.Is(out.Err, admission.ErrInternal):
		writeDetail(w, http.StatusInternalServerError, "Internal error.")
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.svc.Providers()})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(apiKeyHeader)
	if key == "" {
		writeDetail(w, http.StatusUnauthorized, "Missing X-API-Key header.")
		return
	}
	usage, ok := s.svc.Usage(key)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Unknown API key.")
		return
	}
	writeRateLimitHeaders(w, usage.Limit, usage.Remaining, usage.ResetsAt)
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

type classifyBody struct {
	Text string `json:"text"`
	Lang string `json:"lang,omitempty"`
}

// ClassifyResponse is the body of POST /v1/classify. It names the category
// of a block but never the signature that fired.
type ClassifyResponse struct {
	Blocked  bool               `json:"blocked"`
	Outcome  detection.Outcome  `json:"outcome"`
	Category detection.Category `json:"category,omitempty"`
	Score    float64            `json:"score"`
	Signals  []string           `json:"signals,omitempty"`
	Reason   string             `json:"reason"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var body classifyBody
	if err := decode(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.svc.Classify(r.Context(), body.Text, body.Lang)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	out := ClassifyResponse{
		Blocked:  res.Blocked(),
		Outcome:  res.Outcome,
		Category: res.Category,
		Score:    res.Score,
		Reason:   res.Reason,
	}
	for _, sig := range res.Signals {
		out.Signals = append(out.Signals, sig.Name)
	}
	writeJSON(w, http.StatusOK, out)
}

type sanitizeBody struct {
	Parameters sanitizer.ParameterSet `json:"parameters"`
}

func (s *Server) handleSanitize(w http.ResponseWriter, r *http.Request) {
	var body sanitizeBody
	if err := decode(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	clean, err := s.svc.Sanitize(body.Parameters)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if clean == nil {
		clean = sanitizer.ParameterSet{}
	}
	writeJSON(w, http.StatusOK, sanitizeBody{Parameters: clean})
}

func (s *Server) handleRegisterSignature(w http.ResponseWriter, r *http.Request) {
	var body config.SignatureConfig
	if err := decode(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	sig, err := body.Compile()
	if err == nil {
		err = s.svc.RegisterSignature(sig)
	}
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, detection.ErrDuplicateSignature) {
			status = http.StatusConflict
		}
		writeDetail(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       sig.ID,
		"category": sig.Category,
		"severity": sig.Severity,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.svc.Audit().Entries()})
}
