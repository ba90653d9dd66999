package gstream

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const resumeTokenSize = 16

// session is the server-side state for one stream session.
// The kernel owns the registry of sessions;
// the session's own lock covers the fields
// shared between the kernel and the per-connection pump.
type session struct {
	ID          string
	resumeToken []byte
	createdAt   time.Time

	mu         sync.Mutex
	seq        int64
	ring       []Frame // retained event frames, oldest first
	ringCap    int
	muted      bool
	live       *websocket.Conn
	cancelPump func()
}

func newSession(ringCap int) *session {
	tok := make([]byte, resumeTokenSize)
	if _, err := rand.Read(tok); err != nil {
		panic(fmt.Errorf("BUG: failed to read entropy for resume token: %w", err))
	}

	return &session{
		ID:          uuid.NewString(),
		resumeToken: tok,
		createdAt:   time.Now(),
		ringCap:     ringCap,
	}
}

// wireToken is the hex form of the resume token,
// as it appears in hello and resume frames.
func (s *session) wireToken() string {
	return hex.EncodeToString(s.resumeToken)
}

func (s *session) tokenMatches(tok string) bool {
	return tok != "" && tok == s.wireToken()
}

// attach makes conn the session's live connection,
// returning the previously attached connection, if any,
// so the caller can close it outside the session lock.
func (s *session) attach(conn *websocket.Conn, cancelPump func()) *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.live
	if s.cancelPump != nil {
		s.cancelPump()
	}
	s.live = conn
	s.cancelPump = cancelPump
	return prev
}

// detach clears the live connection if conn is still current.
// A stale detach from a connection that was already replaced is a no-op.
func (s *session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live != conn {
		return
	}
	s.live = nil
	s.cancelPump = nil
}

// nextEvent produces the next event frame in sequence,
// recording it in the replay ring.
// It reports false without producing anything while the session is muted.
func (s *session) nextEvent(now time.Time) (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.muted {
		return Frame{}, false
	}

	s.seq++
	f := Frame{
		Type:      FrameTypeEvent,
		Seq:       s.seq,
		EmittedAt: now,
		Payload:   "pulse",
	}

	if len(s.ring) == s.ringCap {
		copy(s.ring, s.ring[1:])
		s.ring[len(s.ring)-1] = f
	} else {
		s.ring = append(s.ring, f)
	}

	return f, true
}

// replayAfter returns the retained events with sequence greater than lastSeq.
// Events that have already fallen out of the ring are gone;
// the replay begins at the oldest retained frame in that case.
func (s *session) replayAfter(lastSeq int64) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Frame, 0, len(s.ring))
	for _, f := range s.ring {
		if f.Seq > lastSeq {
			out = append(out, f)
		}
	}
	return out
}

func (s *session) isMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *session) setMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// drop forcibly closes the session's live connection, if any.
// The kernel removes dropped sessions from its registry,
// so a later resume attempt is treated as unknown.
func (s *session) drop() {
	s.mu.Lock()
	cancel := s.cancelPump
	conn := s.live
	s.live = nil
	s.cancelPump = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// SessionSummary is a point-in-time view of one session,
// as reported by the debug routes.
type SessionSummary struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Muted     bool      `json:"muted"`
	Live      bool      `json:"live"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *session) summary() SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionSummary{
		ID:        s.ID,
		Seq:       s.seq,
		Muted:     s.muted,
		Live:      s.live != nil,
		CreatedAt: s.createdAt,
	}
}
