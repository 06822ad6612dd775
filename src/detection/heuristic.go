package detection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrInvalidHeuristic is returned by HeuristicConfig.Validate.
var ErrInvalidHeuristic = errors.New("invalid heuristic configuration")

// Signal names.
const (
	SignalImperativeOverride = "imperative_override"
	SignalDisclosureRequest  = "disclosure_request"
	SignalRoleReassignment   = "role_reassignment"
	SignalOversizedInput     = "oversized_input"
	SignalSpecialCharDensity = "special_char_density"
	SignalCodeMarkers        = "code_markers"
	SignalRepetition         = "repetition"
	SignalWeakSignature      = "weak_signature"
)

// DefaultWeights returns the default signal weights.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		SignalImperativeOverride: 0.35,
		SignalDisclosureRequest:  0.35,
		SignalRoleReassignment:   0.35,
		SignalOversizedInput:     0.3,
		SignalSpecialCharDensity: 0.3,
		SignalCodeMarkers:        0.2,
		SignalRepetition:         0.3,
		SignalWeakSignature:      0.3,
	}
}

// Signal is one heuristic cue that fired.
type Signal struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// HeuristicConfig tunes the scorer. Zero values take defaults in
// NewHeuristic.
type HeuristicConfig struct {
	BlockThreshold   float64
	MinSignals       int
	Weights          map[string]float64 // overrides merged over DefaultWeights
	MaxInputChars    int
	SpecialCharLimit int
	MinUniqueRatio   float64
}

func (c HeuristicConfig) withDefaults() HeuristicConfig {
	if c.BlockThreshold == 0 {
		c.BlockThreshold = 0.7
	}
	if c.MinSignals == 0 {
		c.MinSignals = 2
	}
	if c.MaxInputChars == 0 {
		c.MaxInputChars = 5000
	}
	if c.SpecialCharLimit == 0 {
		c.SpecialCharLimit = 20
	}
	if c.MinUniqueRatio == 0 {
		c.MinUniqueRatio = 0.3
	}

	weights := DefaultWeights()
	for name, w := range c.Weights {
		weights[name] = w
	}
	c.Weights = weights
	return c
}

// Validate rejects configurations under which a single signal could block
// on its own.
func (c HeuristicConfig) Validate() error {
	c = c.withDefaults()

	if c.BlockThreshold <= 0 || c.BlockThreshold > 1 {
		return fmt.Errorf("%w: blockThreshold must be in (0, 1], got %v", ErrInvalidHeuristic, c.BlockThreshold)
	}
	if c.MinSignals < 2 {
		return fmt.Errorf("%w: minSignals must be at least 2, got %d", ErrInvalidHeuristic, c.MinSignals)
	}
	if c.MaxInputChars < 0 || c.SpecialCharLimit < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidHeuristic)
	}

	defaults := DefaultWeights()
	names := make([]string, 0, len(c.Weights))
	for name := range c.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w := c.Weights[name]
		if _, known := defaults[name]; !known {
			return fmt.Errorf("%w: unknown signal %q", ErrInvalidHeuristic, name)
		}
		if w < 0 || w >= c.BlockThreshold {
			return fmt.Errorf("%w: weight %s=%v must be in [0, %v)", ErrInvalidHeuristic, name, w, c.BlockThreshold)
		}
	}
	return nil
}

// Assessment is the scorer's output for one text.
type Assessment struct {
	Score   float64
	Signals []Signal
	Blocked bool
}

// Heuristic scores normalized text from structural and lexical cues.
type Heuristic struct {
	cfg HeuristicConfig
}

// NewHeuristic validates cfg and returns a scorer.
func NewHeuristic(cfg HeuristicConfig) (*Heuristic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Heuristic{cfg: cfg.withDefaults()}, nil
}

var (
	roleReassignmentRe = regexp.MustCompile(`(?i)(you\s+are\s+now|act\s+as|pretend|from\s+now\s+on|roleplay\s+as|ты\s+теперь|притворись|веди\s+себя\s+как)`)
	codeMarkerRe       = regexp.MustCompile("(```|\\bimport\\s|\\beval\\(|\\bexec\\()")
)

const specialChars = "{}[]<>\\|`~"

// Assess scores text. hits are signature matches that did not block.
func (h *Heuristic) Assess(text string, hits []Match) Assessment {
	var signals []Signal
	fire := func(name string) {
		signals = append(signals, Signal{Name: name, Weight: h.cfg.Weights[name]})
	}

	tokens := tokenize(text)

	if overrideVerbs.containsAny(tokens) {
		fire(SignalImperativeOverride)
	}
	if revealVerbs.containsAny(tokens) && internalNouns.containsAny(tokens) {
		fire(SignalDisclosureRequest)
	}
	if roleReassignmentRe.MatchString(text) {
		fire(SignalRoleReassignment)
	}
	if utf8.RuneCountInString(text) > h.cfg.MaxInputChars {
		fire(SignalOversizedInput)
	}
	if countSpecial(text) > h.cfg.SpecialCharLimit {
		fire(SignalSpecialCharDensity)
	}
	if codeMarkerRe.MatchString(text) {
		fire(SignalCodeMarkers)
	}
	if repetitive(text, h.cfg.MinUniqueRatio) {
		fire(SignalRepetition)
	}
	if len(hits) > 0 {
		fire(SignalWeakSignature)
	}

	var sum float64
	for _, s := range signals {
		sum += s.Weight
	}
	score := math.Min(1, math.Max(0, math.Round(sum*10000)/10000))

	return Assessment{
		Score:   score,
		Signals: signals,
		Blocked: score >= h.cfg.BlockThreshold && len(signals) >= h.cfg.MinSignals,
	}
}

func countSpecial(text string) int {
	n := 0
	for _, r := range text {
		if strings.ContainsRune(specialChars, r) {
			n++
		}
	}
	return n
}

func repetitive(text string, minRatio float64) bool {
	words := strings.Fields(text)
	if len(words) <= 10 {
		return false
	}
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}
	return float64(len(unique))/float64(len(words)) < minRatio
}

const heuristicScannerName = "heuristic"

func (h *Heuristic) Name() string { return heuristicScannerName }

// Scan blocks when the assessment does; otherwise it passes with the score
// attached.
func (h *Heuristic) Scan(_ context.Context, in Input) (ScanResult, error) {
	a := h.Assess(in.Text, in.Hits)

	res := ScanResult{
		Verdict:     VerdictPass,
		Input:       in,
		ScannerName: heuristicScannerName,
		Score:       a.Score,
		Signals:     a.Signals,
	}
	if a.Blocked {
		res.Verdict = VerdictBlock
		res.Category = CategoryHeuristic
		names := make([]string, len(a.Signals))
		for i, s := range a.Signals {
			names[i] = s.Name
		}
		res.Threats = []string{fmt.Sprintf("heuristic score %.2f (%s)", a.Score, strings.Join(names, ", "))}
	}
	return res, nil
}
