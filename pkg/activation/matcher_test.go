package activation

import "testing"

func TestMatchStripsPhraseKeepingOriginalText(t *testing.T) {
	m := NewMatcher(nil)

	res := m.Match("Hey Earshot, what's the weather?")
	if !res.Matched {
		t.Fatalf("expected match")
	}
	if res.Phrase != DefaultPhrase {
		t.Fatalf("phrase = %q", res.Phrase)
	}
	if res.Remainder != "what's the weather?" {
		t.Fatalf("remainder = %q", res.Remainder)
	}
}

func TestMatchIsCaseAndPunctuationInsensitive(t *testing.T) {
	m := NewMatcher([]string{"okay glasses"})

	for _, text := range []string{
		"OKAY GLASSES what time is it",
		"okay, glasses! what time is it",
		"Okay Glasses... what time is it",
	} {
		res := m.Match(text)
		if !res.Matched {
			t.Fatalf("expected match for %q", text)
		}
		if res.Remainder != "what time is it" {
			t.Fatalf("remainder for %q = %q", text, res.Remainder)
		}
	}
}

func TestMatchMidUtterance(t *testing.T) {
	m := NewMatcher(nil)

	res := m.Match("um so hey earshot remind me to call mom")
	if !res.Matched {
		t.Fatalf("expected mid-utterance match")
	}
	if res.Remainder != "remind me to call mom" {
		t.Fatalf("remainder = %q", res.Remainder)
	}
}

func TestMatchPhraseOnly(t *testing.T) {
	m := NewMatcher(nil)

	res := m.Match("hey earshot")
	if !res.Matched {
		t.Fatalf("expected match")
	}
	if res.Remainder != "" {
		t.Fatalf("remainder = %q, want empty", res.Remainder)
	}
}

func TestNoMatch(t *testing.T) {
	m := NewMatcher(nil)

	for _, text := range []string{"", "hello there", "hey ear shotgun is loud", "they heyday"} {
		if res := m.Match(text); res.Matched {
			t.Fatalf("unexpected match for %q", text)
		}
	}
}

func TestMultiplePhrasesFirstMatchWins(t *testing.T) {
	m := NewMatcher([]string{"hey earshot", "okay earshot"})

	res := m.Match("okay earshot take a note")
	if !res.Matched || res.Phrase != "okay earshot" {
		t.Fatalf("got %+v", res)
	}
}

func TestStripWithoutMatchReturnsInput(t *testing.T) {
	m := NewMatcher(nil)

	if got := m.Strip("just some words"); got != "just some words" {
		t.Fatalf("strip = %q", got)
	}
	if got := m.Strip("hey earshot turn it up"); got != "turn it up" {
		t.Fatalf("strip = %q", got)
	}
}

func TestEmptyPhrasesFallBackToDefault(t *testing.T) {
	m := NewMatcher([]string{"", "   "})
	if got := m.Phrases(); len(got) != 1 || got[0] != DefaultPhrase {
		t.Fatalf("phrases = %v", got)
	}
}
