package activation

import (
	"strings"
	"unicode"
)

// DefaultPhrase is used when the wearer configured no activation phrases.
const DefaultPhrase = "hey earshot"

// Match is the result of checking an utterance against activation phrases.
// Remainder keeps the original casing and punctuation of the query text.
type Match struct {
	Matched   bool
	Phrase    string
	Remainder string
}

// Matcher finds configured activation phrases inside noisy utterance text.
// Matching is case and punctuation insensitive: both sides are normalized to
// lowercase alphanumerics with collapsed whitespace before substring search.
type Matcher struct {
	phrases []phrase
}

type phrase struct {
	raw  string
	norm string
}

func NewMatcher(phrases []string) *Matcher {
	m := &Matcher{}
	for _, p := range phrases {
		if n, _ := normalize(p); n != "" {
			m.phrases = append(m.phrases, phrase{raw: p, norm: n})
		}
	}
	if len(m.phrases) == 0 {
		n, _ := normalize(DefaultPhrase)
		m.phrases = append(m.phrases, phrase{raw: DefaultPhrase, norm: n})
	}
	return m
}

// Phrases returns the configured raw phrases.
func (m *Matcher) Phrases() []string {
	out := make([]string, 0, len(m.phrases))
	for _, p := range m.phrases {
		out = append(out, p.raw)
	}
	return out
}

// Match reports whether text contains any activation phrase. On a match the
// remainder is the original text after the phrase, with leading punctuation
// and whitespace stripped. A non-match is a normal outcome, not an error.
func (m *Matcher) Match(text string) Match {
	norm, offsets := normalize(text)
	if norm == "" {
		return Match{}
	}
	for _, p := range m.phrases {
		idx := strings.Index(norm, p.norm)
		if idx < 0 {
			continue
		}
		end := idx + len(p.norm)
		var remainder string
		if end < len(norm) {
			remainder = text[offsets[end]:]
		}
		remainder = strings.TrimLeftFunc(remainder, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		return Match{Matched: true, Phrase: p.raw, Remainder: remainder}
	}
	return Match{}
}

// Strip removes an activation phrase from text if one is present, returning
// the remainder; otherwise the input is returned unchanged.
func (m *Matcher) Strip(text string) string {
	if res := m.Match(text); res.Matched {
		return res.Remainder
	}
	return text
}

// normalize lowercases text and drops everything but letters and digits,
// collapsing separator runs into single spaces. The offsets slice maps each
// byte of the normalized string back to its byte position in the original,
// so a match end can be translated into an original-text cut point.
func normalize(text string) (string, []int) {
	var b strings.Builder
	offsets := make([]int, 0, len(text))
	pendingSep := false
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte(' ')
				offsets = append(offsets, i)
			}
			pendingSep = false
			lower := unicode.ToLower(r)
			start := b.Len()
			b.WriteRune(lower)
			for j := start; j < b.Len(); j++ {
				offsets = append(offsets, i)
			}
		} else {
			pendingSep = true
		}
	}
	return b.String(), offsets
}
