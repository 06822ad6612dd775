// Package config loads the gateway configuration: a JSON file plus optional
// YAML signature packs and API key files referenced from it.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/audit"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/detection"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/quota"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/sanitizer"
)

// ErrInvalidConfiguration wraps every validation failure.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// validName matches provider names.
var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Config is the top-level gateway configuration loaded from JSON.
type Config struct {
	Upstream     UpstreamConfig     `json:"upstream"`
	HTTP         HTTPConfig         `json:"http"`
	Providers    []ProviderConfig   `json:"providers"`
	Detection    DetectionConfig    `json:"detection"`
	Sanitization SanitizationConfig `json:"sanitization"`
	Admission    AdmissionConfig    `json:"admission"`
	Quota        QuotaConfig        `json:"quota"`
	Audit        AuditConfig        `json:"audit"`
}

// UpstreamConfig controls the optional MCP surface offered to clients.
type UpstreamConfig struct {
	Transport string `json:"transport"` // "none", "stdio" or "http"
	Addr      string `json:"addr"`      // e.g. ":8090"
	Path      string `json:"path"`      // e.g. "/mcp"
}

// HTTPConfig holds the REST API listener settings.
type HTTPConfig struct {
	Addr        string `json:"addr"`                  // e.g. ":8000"
	MetricsAddr string `json:"metricsAddr,omitempty"` // empty disables /metrics
	AdminToken  string `json:"adminToken,omitempty"`  // empty disables signature registration
}

// ProviderConfig defines one provider adapter process reachable over MCP.
type ProviderConfig struct {
	Name      string   `json:"name"`
	Transport string   `json:"transport"` // "stdio" or "http"
	Command   []string `json:"command,omitempty"`
	URL       string   `json:"url,omitempty"`
}

// DetectionConfig tunes the injection classifier.
type DetectionConfig struct {
	BlockThreshold           *float64           `json:"blockThreshold,omitempty"`
	MinSignals               *int               `json:"minSignals,omitempty"`
	BlockSeverity            *string            `json:"blockSeverity,omitempty"`
	MaxInputChars            *int               `json:"maxInputChars,omitempty"`
	DisableBuiltInSignatures *bool              `json:"disableBuiltInSignatures,omitempty"`
	Weights                  map[string]float64 `json:"weights,omitempty"`
	CustomSignatures         []SignatureConfig  `json:"customSignatures,omitempty"`
	SignatureFiles           []string           `json:"signatureFiles,omitempty"`
}

// SignatureConfig is a custom signature as written in JSON or YAML.
type SignatureConfig struct {
	ID       string `json:"id" yaml:"id"`
	Lang     string `json:"lang,omitempty" yaml:"lang"`
	Pattern  string `json:"pattern" yaml:"pattern"`
	Category string `json:"category" yaml:"category"`
	Severity string `json:"severity,omitempty" yaml:"severity"` // default "high"
}

// SanitizationConfig controls parameter redaction.
type SanitizationConfig struct {
	SensitiveKeys []string `json:"sensitiveKeys,omitempty"` // replaces the defaults when set
	Mode          string   `json:"mode,omitempty"`          // "redact" or "remove"
	Marker        string   `json:"marker,omitempty"`
}

// AdmissionConfig controls which parameters are classified.
type AdmissionConfig struct {
	TextFields []string `json:"textFields,omitempty"`
}

// QuotaConfig defines tiers and known keys.
type QuotaConfig struct {
	Tiers        map[string]int64 `json:"tiers,omitempty"` // merged over the default tiers
	Keys         []KeyConfig      `json:"keys,omitempty"`
	KeysFile     string           `json:"keysFile,omitempty"`
	AutoRegister *bool            `json:"autoRegister,omitempty"`
	DefaultTier  string           `json:"defaultTier,omitempty"`
}

// KeyConfig registers one API key.
type KeyConfig struct {
	Key  string `json:"key" yaml:"key"`
	Tier string `json:"tier" yaml:"tier"`
}

// AuditConfig bounds the in-memory audit log.
type AuditConfig struct {
	MaxEntries *int `json:"maxEntries,omitempty"`
}

const (
	TransportNone  = "none"
	TransportStdio = "stdio"
	TransportHTTP  = "http"

	DefaultHTTPAddr     = ":8000"
	DefaultUpstreamAddr = ":8090"
	DefaultUpstreamPath = "/mcp"
)

// Load reads and parses a JSON config file, loads the files it references,
// applies defaults, and validates. Relative side-file paths are resolved
// against the config file's directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := loadSideFiles(&cfg, filepath.Dir(path)); err != nil {
		return Config{}, err
	}

	applyDefaults(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

func loadSideFiles(cfg *Config, dir string) error {
	for _, f := range cfg.Detection.SignatureFiles {
		sigs, err := LoadSignatureFile(resolve(dir, f))
		if err != nil {
			return err
		}
		cfg.Detection.CustomSignatures = append(cfg.Detection.CustomSignatures, sigs...)
	}

	if cfg.Quota.KeysFile != "" {
		keys, err := LoadKeysFile(resolve(dir, cfg.Quota.KeysFile))
		if err != nil {
			return err
		}
		cfg.Quota.Keys = append(cfg.Quota.Keys, keys...)
	}
	return nil
}

// Files returns the config file at path and every side file cfg
// references, resolved the way Load resolves them.
func Files(path string, cfg Config) []string {
	dir := filepath.Dir(path)
	out := []string{path}
	for _, f := range cfg.Detection.SignatureFiles {
		out = append(out, resolve(dir, f))
	}
	if cfg.Quota.KeysFile != "" {
		out = append(out, resolve(dir, cfg.Quota.KeysFile))
	}
	return out
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func applyDefaults(cfg *Config) {
	if cfg.Upstream.Transport == "" {
		cfg.Upstream.Transport = TransportNone
	}
	if cfg.Upstream.Addr == "" {
		cfg.Upstream.Addr = DefaultUpstreamAddr
	}
	if cfg.Upstream.Path == "" {
		cfg.Upstream.Path = DefaultUpstreamPath
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}

	if cfg.Detection.BlockThreshold == nil {
		cfg.Detection.BlockThreshold = ptr(0.7)
	}
	if cfg.Detection.MinSignals == nil {
		cfg.Detection.MinSignals = ptr(2)
	}
	if cfg.Detection.BlockSeverity == nil {
		cfg.Detection.BlockSeverity = ptr(detection.SeverityHigh.String())
	}
	if cfg.Detection.MaxInputChars == nil {
		cfg.Detection.MaxInputChars = ptr(5000)
	}
	if cfg.Detection.DisableBuiltInSignatures == nil {
		cfg.Detection.DisableBuiltInSignatures = ptr(false)
	}

	if cfg.Sanitization.Mode == "" {
		cfg.Sanitization.Mode = string(sanitizer.ModeRedact)
	}
	if cfg.Sanitization.Marker == "" {
		cfg.Sanitization.Marker = sanitizer.DefaultMarker
	}

	if cfg.Quota.AutoRegister == nil {
		cfg.Quota.AutoRegister = ptr(false)
	}
	if cfg.Quota.DefaultTier == "" {
		cfg.Quota.DefaultTier = string(quota.TierFree)
	}

	if cfg.Audit.MaxEntries == nil {
		cfg.Audit.MaxEntries = ptr(audit.DefaultMaxEntries)
	}
}

func validate(cfg Config) error {
	switch cfg.Upstream.Transport {
	case TransportNone, TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("%w: upstream transport must be %q, %q or %q, got %q",
			ErrInvalidConfiguration, TransportNone, TransportStdio, TransportHTTP, cfg.Upstream.Transport)
	}

	names := make(map[string]struct{}, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("%w: providers[%d]: name is required", ErrInvalidConfiguration, i)
		}
		if !validName.MatchString(p.Name) {
			return fmt.Errorf("%w: providers[%d]: name %q must match %s", ErrInvalidConfiguration, i, p.Name, validName.String())
		}
		if _, exists := names[p.Name]; exists {
			return fmt.Errorf("%w: providers[%d]: duplicate name %q", ErrInvalidConfiguration, i, p.Name)
		}
		names[p.Name] = struct{}{}

		switch p.Transport {
		case TransportStdio:
			if len(p.Command) == 0 {
				return fmt.Errorf("%w: providers[%d] (%s): command is required for stdio transport", ErrInvalidConfiguration, i, p.Name)
			}
		case TransportHTTP:
			if p.URL == "" {
				return fmt.Errorf("%w: providers[%d] (%s): url is required for http transport", ErrInvalidConfiguration, i, p.Name)
			}
		default:
			return fmt.Errorf("%w: providers[%d] (%s): transport must be %q or %q, got %q",
				ErrInvalidConfiguration, i, p.Name, TransportStdio, TransportHTTP, p.Transport)
		}
	}

	if _, err := cfg.Detection.ClassifierConfig(); err != nil {
		return fmt.Errorf("%w: detection: %w", ErrInvalidConfiguration, err)
	}
	if _, err := cfg.Sanitization.Policy(); err != nil {
		return fmt.Errorf("%w: sanitization: %w", ErrInvalidConfiguration, err)
	}

	limits := cfg.Quota.Limits()
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("%w: quota: %w", ErrInvalidConfiguration, err)
	}
	if _, ok := limits[quota.ParseTier(cfg.Quota.DefaultTier)]; !ok {
		return fmt.Errorf("%w: quota.defaultTier %q is not a configured tier", ErrInvalidConfiguration, cfg.Quota.DefaultTier)
	}
	for i, k := range cfg.Quota.Keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("%w: quota.keys[%d]: key is required", ErrInvalidConfiguration, i)
		}
		if _, ok := limits[quota.ParseTier(k.Tier)]; !ok {
			return fmt.Errorf("%w: quota.keys[%d]: unknown tier %q", ErrInvalidConfiguration, i, k.Tier)
		}
	}

	if *cfg.Audit.MaxEntries < 0 {
		return fmt.Errorf("%w: audit.maxEntries must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

// ClassifierConfig compiles the detection section. Custom signatures
// default to severity high and language-neutral.
func (d DetectionConfig) ClassifierConfig() (detection.ClassifierConfig, error) {
	var out detection.ClassifierConfig

	if d.BlockSeverity != nil {
		sev, err := detection.ParseSeverity(*d.BlockSeverity)
		if err != nil {
			return out, fmt.Errorf("blockSeverity: %w", err)
		}
		out.BlockSeverity = &sev
	}
	if d.DisableBuiltInSignatures != nil {
		out.DisableBuiltIn = *d.DisableBuiltInSignatures
	}

	out.Heuristic = detection.HeuristicConfig{Weights: d.Weights}
	if d.BlockThreshold != nil {
		out.Heuristic.BlockThreshold = *d.BlockThreshold
	}
	if d.MinSignals != nil {
		out.Heuristic.MinSignals = *d.MinSignals
	}
	if d.MaxInputChars != nil {
		out.Heuristic.MaxInputChars = *d.MaxInputChars
	}
	if err := out.Heuristic.Validate(); err != nil {
		return out, err
	}

	for i, sc := range d.CustomSignatures {
		sig, err := sc.Compile()
		if err != nil {
			return out, fmt.Errorf("customSignatures[%d]: %w", i, err)
		}
		out.Custom = append(out.Custom, sig)
	}

	// Duplicate ids against the built-ins are caught by building the matcher.
	if _, err := detection.NewMatcher(out.DisableBuiltIn, out.Custom); err != nil {
		return out, err
	}
	return out, nil
}

// Compile turns the definition into a signature.
func (s SignatureConfig) Compile() (detection.Signature, error) {
	lang, err := detection.ParseLanguage(s.Lang)
	if err != nil {
		return detection.Signature{}, fmt.Errorf("%w: %s: %v", detection.ErrInvalidSignature, s.ID, err)
	}
	sev := detection.SeverityHigh
	if s.Severity != "" {
		if sev, err = detection.ParseSeverity(s.Severity); err != nil {
			return detection.Signature{}, fmt.Errorf("%w: %s: %v", detection.ErrInvalidSignature, s.ID, err)
		}
	}
	return detection.NewSignature(s.ID, lang, s.Pattern, detection.Category(s.Category), sev)
}

// Policy builds the sanitization policy.
func (s SanitizationConfig) Policy() (*sanitizer.Policy, error) {
	return sanitizer.NewPolicy(s.SensitiveKeys, sanitizer.Mode(s.Mode), s.Marker)
}

// Limits merges configured tiers over quota.DefaultLimits.
func (q QuotaConfig) Limits() quota.Limits {
	limits := quota.DefaultLimits()
	for name, n := range q.Tiers {
		limits[quota.ParseTier(name)] = n
	}
	return limits
}

func ptr[T any](v T) *T { return &v }
