package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonRecognizerConnect ReasonCode = "recognizer_connect"
	ReasonRecognizerDecode  ReasonCode = "recognizer_decode"
	ReasonRecognizerClosed  ReasonCode = "recognizer_closed"

	ReasonVisualClassify      ReasonCode = "visual_classify"
	ReasonPhotoCapture        ReasonCode = "photo_capture"
	ReasonPhotoCaptureTimeout ReasonCode = "photo_capture_timeout"

	ReasonAgentGenerate    ReasonCode = "agent_generate"
	ReasonAgentUnavailable ReasonCode = "agent_unavailable"
	ReasonCommandExecute   ReasonCode = "command_execute"

	ReasonPlayback         ReasonCode = "playback"
	ReasonSessionDestroyed ReasonCode = "session_destroyed"
	ReasonConfig           ReasonCode = "config"
)
