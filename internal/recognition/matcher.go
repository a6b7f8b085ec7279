package recognition

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	minPhoneticWordLength    = 3
)

// Matcher decides whether a recognized token confirms an expected word.
type Matcher struct {
	phonetic  bool
	threshold float64
}

// NewMatcher returns a matcher. With phonetic enabled, tokens that sound like
// the expected word are accepted too.
func NewMatcher(phonetic bool) *Matcher {
	return &Matcher{phonetic: phonetic, threshold: defaultPhoneticThreshold}
}

// Match reports whether recognized confirms expected. Both are compared
// case-insensitively and without surrounding punctuation.
func (m *Matcher) Match(recognized, expected string) bool {
	r := normalizeWord(recognized)
	e := normalizeWord(expected)
	if r == "" || e == "" {
		return strings.EqualFold(recognized, expected) && recognized != ""
	}
	if r == e {
		return true
	}
	if !m.phonetic || len(e) < minPhoneticWordLength || len(r) < minPhoneticWordLength {
		return false
	}
	if !metaphoneOverlap(r, e) {
		return false
	}
	return matchr.JaroWinkler(r, e, false) >= m.threshold
}

// Tokenize splits recognized text into lower-case tokens.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
}

func metaphoneOverlap(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || x == bs {
			return true
		}
	}
	return false
}
