package turn

// State is the turn-taking state of one session. Exactly one state is active
// at any instant; illegal combinations cannot be represented.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	// StateSpeakingMicLive is playback with the microphone logically live so
	// the wearer can barge in. This is a deliberate composite state, not two
	// flags that happen to both be set.
	StateSpeakingMicLive
	StateFollowUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	case StateSpeakingMicLive:
		return "SPEAKING_MIC_LIVE"
	case StateFollowUp:
		return "FOLLOW_UP"
	default:
		return "UNKNOWN"
	}
}

// Listening reports whether the microphone feeds the utterance buffer in s.
func (s State) Listening() bool {
	return s == StateListening || s == StateFollowUp || s == StateSpeakingMicLive
}
