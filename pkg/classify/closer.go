package classify

import "regexp"

// Closer classifies an utterance that ends an exchange.
type Closer int

const (
	CloserNone Closer = iota
	// CloserGratitude gets a short spoken acknowledgment before the exchange ends.
	CloserGratitude
	// CloserDismissal ends the exchange silently.
	CloserDismissal
)

func (c Closer) String() string {
	switch c {
	case CloserGratitude:
		return "gratitude"
	case CloserDismissal:
		return "dismissal"
	default:
		return "none"
	}
}

// Utterances longer than this many words are never closers; long sentences
// merely containing "thanks" must not end the exchange.
const maxCloserWords = 8

// Dismissal is checked before gratitude: "no thanks" is a dismissal even
// though it contains a gratitude token.
var dismissalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bno,? thanks?( you)?\b`),
	regexp.MustCompile(`\bnever ?mind\b`),
	regexp.MustCompile(`\bnothing( else)?\b`),
	regexp.MustCompile(`\bthat.?s? (all|it|everything)\b`),
	regexp.MustCompile(`\b(i.?m|we.?re) (done|good|all set)\b`),
	regexp.MustCompile(`\b(good ?bye|bye|see you|go away|dismissed?)\b`),
	regexp.MustCompile(`^(stop|cancel|forget it|leave me alone)$`),
}

var gratitudePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bthank(s| you)\b`),
	regexp.MustCompile(`\bappreciate (it|that|you)\b`),
	regexp.MustCompile(`^(cheers|perfect|awesome|great)[.! ]*(thanks?( you)?)?$`),
}

// DetectCloser classifies a finalized utterance as a conversational closer.
func DetectCloser(text string) Closer {
	t := lowerTrim(text)
	if t == "" {
		return CloserNone
	}
	if len(Words(t)) > maxCloserWords {
		return CloserNone
	}
	for _, re := range dismissalPatterns {
		if re.MatchString(t) {
			return CloserDismissal
		}
	}
	for _, re := range gratitudePatterns {
		if re.MatchString(t) {
			return CloserGratitude
		}
	}
	return CloserNone
}
