package gconn

import "log/slog"

// SessionIdentity is the server-assigned identity of a resumable stream session.
// The zero value means no identity is held;
// a transport whose identity has been cleared must identify fresh
// on its next connect.
type SessionIdentity struct {
	// SessionID is the server-assigned session identifier.
	SessionID string

	// ResumeURL is the endpoint to dial when resuming this session.
	ResumeURL string

	// Sequence is the last sequence number observed on the session.
	// Zero means no event has been observed.
	Sequence int64
}

// IsZero reports whether id holds no identity.
func (id SessionIdentity) IsZero() bool {
	return id == SessionIdentity{}
}

func (id SessionIdentity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("session_id", id.SessionID),
		slog.Int64("seq", id.Sequence),
	)
}
