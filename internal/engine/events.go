package engine

import "time"

// Event types. A job's stream carries zero or more progress events
// followed by exactly one terminal event (complete or error).
const (
	EventProgress        = "progress"
	EventProgressPercent = "progress_percent"
	EventComplete        = "complete"
	EventError           = "error"
)

// Event is one frame on a job's progress stream.
type Event struct {
	Type          string `json:"type"`
	Message       string `json:"message,omitempty"`
	Progress      *int   `json:"progress,omitempty"`
	Transcription string `json:"transcription,omitempty"`
	Error         string `json:"error,omitempty"`
	Success       *bool  `json:"success,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// Terminal reports whether no further events may follow this one.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Sink receives events as they are produced. Send must have written and
// flushed the event to the client before returning.
type Sink interface {
	Send(Event) error
}

func now() string { return time.Now().Format(time.RFC3339) }

// ProgressEvent wraps a raw engine output chunk.
func ProgressEvent(chunk string) Event {
	return Event{Type: EventProgress, Message: chunk, Timestamp: now()}
}

// PercentEvent carries a parsed completion percentage.
func PercentEvent(p int) Event {
	return Event{Type: EventProgressPercent, Progress: &p, Timestamp: now()}
}

// CompleteEvent is the successful terminal event.
func CompleteEvent(text string) Event {
	ok := true
	return Event{Type: EventComplete, Transcription: text, Success: &ok, Timestamp: now()}
}

// ErrorEvent is the failing terminal event.
func ErrorEvent(msg string) Event {
	ok := false
	return Event{Type: EventError, Error: msg, Success: &ok, Timestamp: now()}
}
