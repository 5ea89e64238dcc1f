package protocol

import "time"

// StatusLine is one human-readable status message broadcast on the bus.
type StatusLine struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is a completed transcription broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Model     string    `json:"model"`
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	Language  string    `json:"language,omitempty"`
	Task      string    `json:"task"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelLoaded announces a new active pipeline.
type ModelLoaded struct {
	SessionID string    `json:"session_id"`
	Model     string    `json:"model"`
	Precision string    `json:"precision"`
	Timestamp time.Time `json:"timestamp"`
}

// StopRequest asks a session to cancel its running transcription. An empty
// SessionID addresses every listening session.
type StopRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// StopReply carries the cancellation outcome.
type StopReply struct {
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
}

const (
	SubjectStatusPrefix = "asr.status"
	SubjectTranscript   = "asr.transcript.final"
	SubjectModelLoaded  = "asr.model.loaded"
	SubjectControlStop  = "asr.control.stop"
)

// StatusSubject is the per-session status subject.
func StatusSubject(sessionID string) string {
	return SubjectStatusPrefix + "." + sessionID
}

// Event types recorded in the timeline store.
const (
	EventStatus      = "status"
	EventModelLoaded = "model.loaded"
	EventAudioLoaded = "audio.loaded"
	EventTranscript  = "transcript"
	EventCancelled   = "transcription.aborted"
	EventFailed      = "transcription.failed"
)
