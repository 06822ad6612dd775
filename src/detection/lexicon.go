package detection

import (
	"strings"
	"unicode"

	"github.com/willf/bloom"
)

// lexicon is a word set with a Bloom filter in front of it. Most tokens in
// ordinary text are not in any lexicon, so the filter answers the common
// case; the exact set settles the rest so results stay deterministic.
type lexicon struct {
	filter *bloom.BloomFilter
	words  map[string]struct{}
}

func newLexicon(words ...string) *lexicon {
	l := &lexicon{
		filter: bloom.NewWithEstimates(uint(len(words)*4+16), 0.01),
		words:  make(map[string]struct{}, len(words)),
	}
	for _, w := range words {
		w = strings.ToLower(w)
		l.filter.AddString(w)
		l.words[w] = struct{}{}
	}
	return l
}

func (l *lexicon) contains(word string) bool {
	if !l.filter.TestString(word) {
		return false
	}
	_, ok := l.words[word]
	return ok
}

// containsAny reports whether any token is in the lexicon.
func (l *lexicon) containsAny(tokens []string) bool {
	for _, t := range tokens {
		if l.contains(t) {
			return true
		}
	}
	return false
}

var (
	overrideVerbs = newLexicon(
		"ignore", "disregard", "forget", "override", "bypass", "circumvent",
		"игнорируй", "игнорировать", "забудь", "забыть", "отмени", "обойди",
	)
	revealVerbs = newLexicon(
		"show", "reveal", "print", "display", "repeat", "output", "dump",
		"leak", "expose", "disclose", "tell",
		"покажи", "раскрой", "выведи", "скажи", "напиши",
	)
	internalNouns = newLexicon(
		"system", "prompt", "instructions", "instruction", "config",
		"configuration", "secret", "secrets", "rules", "guidelines",
		"credentials", "password",
		"системный", "промпт", "инструкции", "правила", "секрет", "пароль",
	)
)

// tokenize splits normalized text into letter/digit runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
