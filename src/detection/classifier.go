package detection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// ClassifierConfig tunes the classifier.
type ClassifierConfig struct {
	// BlockSeverity is the lowest signature severity that blocks outright.
	// Weaker hits feed the heuristic. Defaults to SeverityHigh.
	BlockSeverity *Severity

	DisableBuiltIn bool
	Custom         []Signature
	Heuristic      HeuristicConfig
}

// Stats counts classifier outcomes since start.
type Stats struct {
	Total   uint64 `json:"total_checked"`
	Blocked uint64 `json:"blocked"`
	Passed  uint64 `json:"passed"`
}

// Classifier decides whether a text is allowed. It runs normalize,
// signature and heuristic scanners in that order and stops at the first
// block, so a signature match always takes precedence over the score.
type Classifier struct {
	matcher   *Matcher
	heuristic *Heuristic
	pipeline  *Pipeline
	log       *slog.Logger

	total   atomic.Uint64
	blocked atomic.Uint64
}

// NewClassifier builds a classifier. Invalid signatures or heuristic
// settings are returned as errors.
func NewClassifier(cfg ClassifierConfig, log *slog.Logger) (*Classifier, error) {
	matcher, err := NewMatcher(cfg.DisableBuiltIn, cfg.Custom)
	if err != nil {
		return nil, err
	}
	heuristic, err := NewHeuristic(cfg.Heuristic)
	if err != nil {
		return nil, err
	}

	blockSeverity := SeverityHigh
	if cfg.BlockSeverity != nil {
		blockSeverity = *cfg.BlockSeverity
	}

	return &Classifier{
		matcher:   matcher,
		heuristic: heuristic,
		pipeline: NewPipeline(
			NormalizeScanner{},
			SignatureScanner{Matcher: matcher, BlockSeverity: blockSeverity},
			heuristic,
		),
		log: log.With("area", "Classifier"),
	}, nil
}

// Matcher exposes the classifier's signature matcher.
func (c *Classifier) Matcher() *Matcher { return c.matcher }

// Register adds a custom signature. Texts classified earlier are not
// affected.
func (c *Classifier) Register(sig Signature) error {
	if err := c.matcher.Register(sig); err != nil {
		return err
	}
	c.log.Info("signature registered", "id", sig.ID, "category", sig.Category, "severity", sig.Severity)
	return nil
}

// Classify returns a fresh result for text. An error is returned only when
// ctx is done.
func (c *Classifier) Classify(ctx context.Context, text string, lang Language) (ClassificationResult, error) {
	if strings.TrimSpace(text) == "" {
		c.count(false)
		return ClassificationResult{Outcome: Allowed, Reason: "empty text"}, nil
	}

	pr, err := c.pipeline.Process(ctx, Input{Text: text, Lang: lang})
	if err != nil {
		return ClassificationResult{}, fmt.Errorf("classifying text: %w", err)
	}

	res := ClassificationResult{Outcome: Allowed, Hits: pr.FinalInput.Hits}
	if hr, ok := pr.Scanner(heuristicScannerName); ok {
		res.Score = hr.Score
		res.Signals = hr.Signals
	}

	if blocking, ok := pr.Blocking(); ok {
		res.Outcome = Blocked
		res.SignatureID = blocking.SignatureID
		res.Category = blocking.Category
		res.Reason = fmt.Sprintf("potential %s detected", blocking.Category)
		c.count(true)

		blockedTotal.WithLabelValues(string(blocking.Category)).Inc()
		c.log.Warn("text blocked",
			"scanner", blocking.ScannerName,
			"category", blocking.Category,
			"signature", blocking.SignatureID,
			"score", res.Score,
			"threats", pr.AllThreats,
		)
		return res, nil
	}

	res.Reason = "no threat detected"
	c.count(false)
	if len(pr.AllThreats) > 0 {
		c.log.Debug("text allowed with findings", "score", res.Score, "threats", pr.AllThreats)
	}
	return res, nil
}

func (c *Classifier) count(blocked bool) {
	c.total.Add(1)
	if blocked {
		c.blocked.Add(1)
		return
	}
	passedTotal.Inc()
}

// Stats returns a snapshot of the counters.
func (c *Classifier) Stats() Stats {
	blocked := c.blocked.Load()
	total := c.total.Load()
	return Stats{Total: total, Blocked: blocked, Passed: total - blocked}
}
