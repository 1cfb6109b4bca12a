package classify

import (
	"strings"
	"unicode"
)

// Phrases that mark an agent reply as a comprehension failure. Checked with
// a plain substring scan; this runs on every reply and must stay cheap.
var confusionPhrases = []string{
	"i didn't understand",
	"i did not understand",
	"i didn't catch that",
	"i don't understand",
	"could you repeat",
	"can you repeat",
	"say that again",
	"not sure what you mean",
	"not sure what you said",
	"please repeat",
}

// IsConfusedReply reports whether an agent response is an "I didn't
// understand" style answer that should count toward comprehension failure.
func IsConfusedReply(text string) bool {
	t := lowerTrim(text)
	if t == "" {
		return false
	}
	for _, p := range confusionPhrases {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

// Words splits text on any non-letter, non-digit runs.
func Words(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func lowerTrim(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
