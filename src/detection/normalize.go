package detection

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeScanner folds text into the canonical form signatures are
// written against: NFKC, invisible runes removed, whitespace collapsed,
// lower case.
type NormalizeScanner struct{}

func (NormalizeScanner) Name() string { return "normalize" }

func (NormalizeScanner) Scan(_ context.Context, in Input) (ScanResult, error) {
	normalized := Normalize(in.Text)
	if normalized == in.Text {
		return ScanResult{
			Verdict:     VerdictPass,
			Input:       in,
			ScannerName: "normalize",
		}, nil
	}

	out := in
	out.Text = normalized
	return ScanResult{
		Verdict:     VerdictModify,
		Input:       out,
		ScannerName: "normalize",
	}, nil
}

// Normalize returns the canonical matching form of s. It is idempotent.
func Normalize(s string) string {
	out := normalizeOnce(s)
	// Dropping a format rune can leave a composable sequence behind, so
	// fold until stable.
	for i := 0; i < 3; i++ {
		next := normalizeOnce(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func normalizeOnce(s string) string {
	folded := norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(folded))

	space := false
	for _, r := range folded {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if shouldRemove(r) {
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// shouldRemove returns true for format (zero-width joiners, directional
// marks), private use and control characters. Whitespace is handled by the
// caller before this is consulted.
func shouldRemove(r rune) bool {
	return unicode.In(r,
		unicode.Cf,
		unicode.Co,
		unicode.Cc,
	)
}
