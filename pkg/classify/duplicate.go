package classify

import (
	"strings"
	"time"
)

// DefaultDuplicateWindow is how long a processed turn suppresses re-delivered
// activations. Streaming recognizers sometimes replay text seconds late.
const DefaultDuplicateWindow = 10 * time.Second

const duplicateKeyWords = 3

// DuplicateDetector suppresses delayed duplicate activations by comparing the
// first words of a candidate query against the last processed turn.
// It is owned by a single session and is not safe for concurrent use.
type DuplicateDetector struct {
	window      time.Duration
	lastKey     string
	processedAt time.Time
}

func NewDuplicateDetector(window time.Duration) *DuplicateDetector {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &DuplicateDetector{window: window}
}

// IsDuplicate reports whether the candidate query repeats the last processed
// turn within the suppression window. Duplicates are dropped with no side
// effects: no turn, no timers.
func (d *DuplicateDetector) IsDuplicate(query string, now time.Time) bool {
	key := duplicateKey(query)
	if key == "" || d.lastKey == "" {
		return false
	}
	if now.Sub(d.processedAt) > d.window {
		return false
	}
	return key == d.lastKey
}

// MarkProcessed records a finalized turn as the duplicate reference.
func (d *DuplicateDetector) MarkProcessed(query string, now time.Time) {
	if key := duplicateKey(query); key != "" {
		d.lastKey = key
		d.processedAt = now
	}
}

// Reset clears the suppression state, typically on session teardown.
func (d *DuplicateDetector) Reset() {
	d.lastKey = ""
	d.processedAt = time.Time{}
}

func duplicateKey(query string) string {
	words := Words(lowerTrim(query))
	if len(words) == 0 {
		return ""
	}
	if len(words) > duplicateKeyWords {
		words = words[:duplicateKeyWords]
	}
	return strings.Join(words, " ")
}
