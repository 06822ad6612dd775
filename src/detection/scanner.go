// Package detection classifies caller-supplied text as allowed or blocked.
// Signatures (regex rules in English and Russian) and a bounded additive
// heuristic are run as an ordered pipeline of Scanners.
package detection

import "context"

// Input is the text under inspection together with what earlier scanners
// learned about it.
type Input struct {
	Text string
	Lang Language

	// Hits holds signature matches that were recorded but did not block.
	Hits []Match
}

// Scanner inspects an Input and optionally returns an annotated copy.
// Implementations must not mutate the Input they are given.
type Scanner interface {
	// Name returns a human-readable identifier for logging/metrics.
	Name() string

	// Scan inspects in and returns a ScanResult.
	Scan(ctx context.Context, in Input) (ScanResult, error)
}
