package detection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// signatureSet is an immutable snapshot of the active signatures.
type signatureSet struct {
	sigs []Signature
	ids  map[string]struct{}
}

// Matcher evaluates text against the active signature set. Reads are
// lock-free; Register swaps in a new snapshot so in-flight Match calls keep
// the set they started with.
type Matcher struct {
	mu  sync.Mutex // serializes writers
	set atomic.Pointer[signatureSet]
}

// NewMatcher builds a matcher from the built-in signatures (unless
// disableBuiltIn) followed by custom.
func NewMatcher(disableBuiltIn bool, custom []Signature) (*Matcher, error) {
	var sigs []Signature
	if !disableBuiltIn {
		sigs = BuiltInSignatures()
	}

	set := &signatureSet{ids: make(map[string]struct{}, len(sigs)+len(custom))}
	for _, s := range sigs {
		set.ids[s.ID] = struct{}{}
	}
	set.sigs = sigs

	for _, s := range custom {
		if err := set.add(s); err != nil {
			return nil, err
		}
	}

	m := &Matcher{}
	m.set.Store(set)
	return m, nil
}

func (s *signatureSet) add(sig Signature) error {
	if sig.re == nil {
		return fmt.Errorf("%w: %s: not compiled, use NewSignature", ErrInvalidSignature, sig.ID)
	}
	if _, dup := s.ids[sig.ID]; dup {
		return fmt.Errorf("%w %q", ErrDuplicateSignature, sig.ID)
	}
	s.ids[sig.ID] = struct{}{}
	s.sigs = append(s.sigs, sig)
	return nil
}

// Register adds a signature to the active set. It applies to texts matched
// after Register returns.
func (m *Matcher) Register(sig Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.set.Load()
	next := &signatureSet{
		sigs: make([]Signature, len(cur.sigs), len(cur.sigs)+1),
		ids:  make(map[string]struct{}, len(cur.ids)+1),
	}
	copy(next.sigs, cur.sigs)
	for id := range cur.ids {
		next.ids[id] = struct{}{}
	}
	if err := next.add(sig); err != nil {
		return err
	}

	m.set.Store(next)
	return nil
}

// Signatures returns a copy of the active set in evaluation order.
func (m *Matcher) Signatures() []Signature {
	cur := m.set.Load()
	out := make([]Signature, len(cur.sigs))
	copy(out, cur.sigs)
	return out
}

// Match normalizes text and returns every signature that fires, in set
// order.
func (m *Matcher) Match(text string, lang Language) []Match {
	return m.matchNormalized(Normalize(text), lang)
}

func (m *Matcher) matchNormalized(text string, lang Language) []Match {
	if text == "" {
		return nil
	}

	var hits []Match
	for _, sig := range m.set.Load().sigs {
		if !sig.appliesTo(lang) {
			continue
		}
		if sig.re.MatchString(text) {
			hits = append(hits, Match{
				SignatureID: sig.ID,
				Lang:        sig.Lang,
				Category:    sig.Category,
				Severity:    sig.Severity,
			})
		}
	}
	return hits
}

// SignatureScanner blocks on the first hit at or above BlockSeverity and
// records weaker hits on the Input for the heuristic stage. It expects
// normalized input.
type SignatureScanner struct {
	Matcher       *Matcher
	BlockSeverity Severity
}

func (s SignatureScanner) Name() string { return "signature" }

func (s SignatureScanner) Scan(_ context.Context, in Input) (ScanResult, error) {
	hits := s.Matcher.matchNormalized(in.Text, in.Lang)
	if len(hits) == 0 {
		return ScanResult{Verdict: VerdictPass, Input: in, ScannerName: "signature"}, nil
	}

	out := in
	out.Hits = append(append([]Match(nil), in.Hits...), hits...)

	threats := make([]string, 0, len(hits))
	for _, h := range hits {
		threats = append(threats, fmt.Sprintf("%s signature %s (%s)", h.Severity, h.SignatureID, h.Category))
	}

	for _, h := range hits {
		if h.Severity >= s.BlockSeverity {
			return ScanResult{
				Verdict:     VerdictBlock,
				Input:       out,
				Threats:     threats,
				ScannerName: "signature",
				SignatureID: h.SignatureID,
				Category:    h.Category,
			}, nil
		}
	}

	return ScanResult{
		Verdict:     VerdictModify,
		Input:       out,
		Threats:     threats,
		ScannerName: "signature",
	}, nil
}
