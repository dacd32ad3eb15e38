package protocol

import "time"

// SpeakRequest asks the daemon to say text to a session.
type SpeakRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Interrupt string `json:"interrupt,omitempty"`
	Voice     string `json:"voice,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// AudioChunk carries a slice of the finalized artifact's PCM payload.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SpeakStatus reports the outcome of a request. Artifact is a filesystem path
// for hosts that share the daemon's filesystem; remote hosts consume the audio
// chunks instead.
type SpeakStatus struct {
	SessionID  string    `json:"session_id"`
	Completed  bool      `json:"completed"`
	Cached     bool      `json:"cached,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Artifact   string    `json:"artifact,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectSpeakRequest = "speak.request"
	SubjectSpeakAudio   = "speak.audio"
	SubjectSpeakDone    = "speak.done"
)
