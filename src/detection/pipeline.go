package detection

import (
	"context"
	"fmt"
	"time"
)

// Pipeline runs scanners in order over one Input. A block ends the run.
// An Input returned with VerdictModify replaces the current one for every
// scanner after it.
type Pipeline struct {
	scanners []Scanner
}

// NewPipeline creates a pipeline that runs scanners in slice order.
func NewPipeline(scanners ...Scanner) *Pipeline {
	return &Pipeline{scanners: scanners}
}

// Process runs the scanners against in. ctx is checked before each
// scanner; a cancelled run returns the results gathered so far.
func (p *Pipeline) Process(ctx context.Context, in Input) (PipelineResult, error) {
	res := PipelineResult{
		FinalVerdict: VerdictPass,
		FinalInput:   in,
		ScanResults:  make([]ScanResult, 0, len(p.scanners)),
	}

	for _, s := range p.scanners {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		start := time.Now()
		sr, err := s.Scan(ctx, res.FinalInput)
		scanDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			return res, fmt.Errorf("scanner %s: %w", s.Name(), err)
		}

		res.record(sr)
		if sr.Verdict == VerdictBlock {
			break
		}
	}
	return res, nil
}
