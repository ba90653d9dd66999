package gstream

import "time"

// Frame type discriminators for the pulse stream protocol.
const (
	// FrameTypeIdentify is sent by a client as its first frame
	// to establish a brand new session.
	FrameTypeIdentify = "identify"

	// FrameTypeResume is sent by a client as its first frame
	// to continue an existing session,
	// presenting the session ID and resume token from a prior hello.
	FrameTypeResume = "resume"

	// FrameTypeHello is the server's response to an identify frame,
	// carrying the new session's identity and stream parameters.
	FrameTypeHello = "hello"

	// FrameTypeResumed is the server's response to an accepted resume frame.
	// Any replayed event frames follow immediately after it.
	FrameTypeResumed = "resumed"

	// FrameTypeEvent is a single pulse on the stream.
	FrameTypeEvent = "event"
)

// Frame is the single wire message of the pulse stream protocol,
// serialized as JSON over websocket text messages.
// The Type field decides which other fields are meaningful.
type Frame struct {
	Type string `json:"type"`

	// Set on hello, resume, and resumed frames.
	SessionID string `json:"session_id,omitempty"`

	// Set on hello and resume frames.
	ResumeToken string `json:"resume_token,omitempty"`

	// Set on hello frames: where to dial when resuming this session.
	ResumeURL string `json:"resume_url,omitempty"`

	// Set on hello frames: how often the server emits event frames.
	EventIntervalMS int64 `json:"event_interval_ms,omitempty"`

	// Set on resume frames: the last event sequence the client observed.
	LastSeq int64 `json:"last_seq,omitempty"`

	// Set on resumed frames: how many buffered events follow.
	Replayed int `json:"replayed,omitempty"`

	// Set on event frames.
	Seq       int64     `json:"seq,omitempty"`
	EmittedAt time.Time `json:"emitted_at,omitempty"`
	Payload   string    `json:"payload,omitempty"`
}
