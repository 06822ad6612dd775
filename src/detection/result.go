package detection

// Verdict represents the outcome of a scan.
type Verdict int

const (
	// VerdictPass means the input is clean.
	VerdictPass Verdict = iota
	// VerdictModify means the scanner annotated or normalized the input and
	// the returned Input should be used by subsequent scanners.
	VerdictModify
	// VerdictBlock means the input is an injection attempt.
	VerdictBlock
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictModify:
		return "modify"
	case VerdictBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ScanResult is the outcome of a single Scanner.
type ScanResult struct {
	Verdict     Verdict
	Input       Input    // original or annotated input
	Threats     []string // human-readable threat descriptions
	ScannerName string

	// Block details, set when Verdict is VerdictBlock.
	SignatureID string
	Category    Category

	// Heuristic details, set by the heuristic scanner.
	Score   float64
	Signals []Signal
}

// PipelineResult aggregates results from all scanners in a pipeline.
type PipelineResult struct {
	FinalVerdict Verdict
	FinalInput   Input
	AllThreats   []string
	ScanResults  []ScanResult
}

func (r *PipelineResult) record(sr ScanResult) {
	r.ScanResults = append(r.ScanResults, sr)
	r.AllThreats = append(r.AllThreats, sr.Threats...)

	switch sr.Verdict {
	case VerdictBlock:
		r.FinalVerdict = VerdictBlock
		r.FinalInput = sr.Input
	case VerdictModify:
		r.FinalVerdict = VerdictModify
		r.FinalInput = sr.Input
	}
}

// Scanner returns the result recorded by the named scanner, if it ran.
func (r PipelineResult) Scanner(name string) (ScanResult, bool) {
	for _, sr := range r.ScanResults {
		if sr.ScannerName == name {
			return sr, true
		}
	}
	return ScanResult{}, false
}

// Blocking returns the scan result that blocked the input, if any.
func (r PipelineResult) Blocking() (ScanResult, bool) {
	if r.FinalVerdict != VerdictBlock || len(r.ScanResults) == 0 {
		return ScanResult{}, false
	}
	return r.ScanResults[len(r.ScanResults)-1], true
}

// Outcome is the classifier's final decision.
type Outcome int

const (
	Allowed Outcome = iota
	Blocked
)

func (o Outcome) String() string {
	if o == Blocked {
		return "blocked"
	}
	return "allowed"
}

// MarshalText renders the outcome as "allowed" or "blocked".
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// ClassificationResult is produced fresh for every classified text.
type ClassificationResult struct {
	Outcome     Outcome  `json:"outcome"`
	SignatureID string   `json:"signature_id,omitempty"` // set when a signature blocked the text
	Category    Category `json:"category,omitempty"`     // category of the blocking signature, or CategoryHeuristic
	Score       float64  `json:"score"`                  // heuristic score in [0,1]; zero when a signature blocked first
	Signals     []Signal `json:"signals,omitempty"`
	Hits        []Match  `json:"hits,omitempty"` // every signature match, including non-blocking ones
	Reason      string   `json:"reason"`
}

// Blocked reports whether the text was blocked.
func (r ClassificationResult) Blocked() bool { return r.Outcome == Blocked }
