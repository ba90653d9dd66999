package gstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gordian-engine/gpulse/internal/gchan"
	"github.com/gordian-engine/gpulse/internal/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	// How long the server waits for a client's identify or resume frame.
	handshakeReadTimeout = 10 * time.Second

	// Deadline applied to outbound control frames.
	writeWait = 5 * time.Second
)

// ServerConfig is the configuration for a stream [Server].
type ServerConfig struct {
	// Where the server accepts connections.
	Listener net.Listener

	// How often each live, unmuted session emits an event frame.
	EventInterval time.Duration

	// How often each live, unmuted session receives a websocket ping.
	PingInterval time.Duration

	// How many event frames each session retains for resume replay.
	ResumeBuffer int

	// The URL advertised in hello frames,
	// for clients to dial when resuming a session.
	ResumeURL string
}

func (c ServerConfig) validate() error {
	var err error

	if c.Listener == nil {
		err = errors.Join(err, errors.New("ServerConfig.Listener may not be nil"))
	}

	if c.EventInterval <= 0 {
		err = errors.Join(err, errors.New("ServerConfig.EventInterval must be positive"))
	}

	if c.PingInterval <= 0 {
		err = errors.Join(err, errors.New("ServerConfig.PingInterval must be positive"))
	}

	if c.ResumeBuffer <= 0 {
		err = errors.Join(err, errors.New("ServerConfig.ResumeBuffer must be positive"))
	}

	if c.ResumeURL == "" {
		err = errors.Join(err, errors.New("ServerConfig.ResumeURL may not be empty"))
	}

	return err
}

// Server owns a registry of pulse stream sessions
// and serves the websocket and debug HTTP routes for them.
type Server struct {
	log *slog.Logger

	cfg ServerConfig

	newSessionRequests    chan newSessionRequest
	resumeSessionRequests chan resumeSessionRequest
	listSessionsRequests  chan listSessionsRequest
	setMutedRequests      chan setMutedRequest
	dropSessionRequests   chan dropSessionRequest

	kernelDone chan struct{}
	httpDone   chan struct{}
}

type newSessionRequest struct {
	Resp chan *session
}

type resumeSessionRequest struct {
	ID      string
	Token   string
	LastSeq int64

	Resp chan resumeResult
}

type resumeResult struct {
	// Nil if the session is unknown or the token did not match.
	Sess *session

	Replay []Frame
}

type listSessionsRequest struct {
	Resp chan []SessionSummary
}

type setMutedRequest struct {
	ID    string
	Muted bool

	Resp chan bool
}

type dropSessionRequest struct {
	ID string

	Resp chan bool
}

// NewServer starts a stream server according to cfg.
// The server runs until ctx is canceled;
// call [Server.Wait] to block until its background work finishes.
func NewServer(ctx context.Context, log *slog.Logger, cfg ServerConfig) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("NewServer: ServerConfig is invalid: %w", err)
	}

	s := &Server{
		log: log,

		cfg: cfg,

		newSessionRequests:    make(chan newSessionRequest),
		resumeSessionRequests: make(chan resumeSessionRequest),
		listSessionsRequests:  make(chan listSessionsRequest),
		setMutedRequests:      make(chan setMutedRequest),
		dropSessionRequests:   make(chan dropSessionRequest),

		kernelDone: make(chan struct{}),
		httpDone:   make(chan struct{}),
	}

	srv := &http.Server{
		Handler: s.newMux(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go s.kernel(ctx)
	go s.serve(cfg.Listener, srv)
	go s.waitForShutdown(ctx, srv)

	return s, nil
}

// Wait blocks until the server's background work has finished.
func (s *Server) Wait() {
	<-s.kernelDone
	<-s.httpDone
}

func (s *Server) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-s.httpDone:
		// serve returned on its own, nothing left to do here.
	case <-ctx.Done():
		// Forceful shutdown. We probably don't need to worry about graceful.
		srv.Close()
	}
}

func (s *Server) serve(ln net.Listener, srv *http.Server) {
	defer close(s.httpDone)

	if err := srv.Serve(ln); err != nil {
		if !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
			s.log.Info("HTTP server stopped with error", "err", err)
		}
	}
}

func (s *Server) newMux() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/stream", s.handleStream).Methods("GET")

	setDebugRoutes(s.log, s, r)

	return r
}

// kernel owns the session registry.
// All registry access goes through the server's request channels.
func (s *Server) kernel(ctx context.Context) {
	defer close(s.kernelDone)

	sessions := make(map[string]*session)

	for {
		select {
		case <-ctx.Done():
			s.log.Info(
				"Stopping session kernel due to context cancellation",
				"cause", context.Cause(ctx),
			)
			return

		case req := <-s.newSessionRequests:
			sess := newSession(s.cfg.ResumeBuffer)
			sessions[sess.ID] = sess
			s.log.Debug(
				"Created stream session",
				"session_id", sess.ID,
				"resume_token", glog.Hex(sess.resumeToken),
			)
			req.Resp <- sess

		case req := <-s.resumeSessionRequests:
			var res resumeResult
			if sess, ok := sessions[req.ID]; ok && sess.tokenMatches(req.Token) {
				res.Sess = sess
				res.Replay = sess.replayAfter(req.LastSeq)
			}
			req.Resp <- res

		case req := <-s.listSessionsRequests:
			out := make([]SessionSummary, 0, len(sessions))
			for _, sess := range sessions {
				out = append(out, sess.summary())
			}
			sort.Slice(out, func(i, j int) bool {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			})
			req.Resp <- out

		case req := <-s.setMutedRequests:
			sess, ok := sessions[req.ID]
			if ok {
				sess.setMuted(req.Muted)
				s.log.Info(
					"Changed session mute state",
					"session_id", req.ID,
					"muted", req.Muted,
				)
			}
			req.Resp <- ok

		case req := <-s.dropSessionRequests:
			sess, ok := sessions[req.ID]
			if ok {
				delete(sessions, req.ID)
				sess.drop()
				s.log.Info("Dropped stream session", "session_id", req.ID)
			}
			req.Resp <- ok
		}
	}
}

// Sessions reports a summary of every registered session,
// ordered by creation time.
// It reports ok=false if ctx is canceled before the kernel responds.
func (s *Server) Sessions(ctx context.Context) ([]SessionSummary, bool) {
	resp := make(chan []SessionSummary, 1)
	return gchan.ReqResp(
		ctx, s.log,
		s.listSessionsRequests, listSessionsRequest{Resp: resp},
		resp,
		"listing stream sessions",
	)
}

// SetSessionMuted sets the mute state for the session with the given ID,
// reporting whether the session was found.
// A muted session stays registered and keeps any live connection open,
// but emits no events, no pings, and no handshake responses.
func (s *Server) SetSessionMuted(ctx context.Context, id string, muted bool) (found, ok bool) {
	resp := make(chan bool, 1)
	return gchan.ReqResp(
		ctx, s.log,
		s.setMutedRequests, setMutedRequest{ID: id, Muted: muted, Resp: resp},
		resp,
		"setting session mute state",
	)
}

// DropSession closes and forgets the session with the given ID,
// reporting whether the session was found.
func (s *Server) DropSession(ctx context.Context, id string) (found, ok bool) {
	resp := make(chan bool, 1)
	return gchan.ReqResp(
		ctx, s.log,
		s.dropSessionRequests, dropSessionRequest{ID: id, Resp: resp},
		resp,
		"dropping stream session",
	)
}

func (s *Server) handleStream(w http.ResponseWriter, req *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.log.Warn("Failed to upgrade stream request", "err", err)
		return
	}
	defer conn.Close()

	ctx := req.Context()

	sess, ok := s.handshake(ctx, conn)
	if !ok {
		return
	}

	s.runSession(ctx, conn, sess)
}

// handshake consumes the client's first frame
// and registers or resumes a session accordingly.
// The response frame, when the session allows one, is written before returning.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (*session, bool) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeReadTimeout)); err != nil {
		s.log.Warn("Failed to set handshake read deadline", "err", err)
		return nil, false
	}

	var first Frame
	if err := conn.ReadJSON(&first); err != nil {
		s.log.Warn("Failed to read handshake frame", "err", err)
		return nil, false
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		s.log.Warn("Failed to clear handshake read deadline", "err", err)
		return nil, false
	}

	switch first.Type {
	case FrameTypeIdentify:
		return s.handshakeIdentify(ctx, conn)

	case FrameTypeResume:
		sess, ok := s.handshakeResume(ctx, conn, first)
		if !ok {
			return nil, false
		}
		if sess != nil {
			return sess, true
		}

		// Unknown session or bad token.
		// Rather than failing the connection, issue a fresh session.
		s.log.Info(
			"Rejected resume for unknown session; issuing a fresh one",
			"session_id", first.SessionID,
		)
		return s.handshakeIdentify(ctx, conn)

	default:
		s.log.Warn(
			"Closing stream connection after unexpected handshake frame",
			"type", first.Type,
		)
		return nil, false
	}
}

func (s *Server) handshakeIdentify(ctx context.Context, conn *websocket.Conn) (*session, bool) {
	resp := make(chan *session, 1)
	sess, ok := gchan.ReqResp(
		ctx, s.log,
		s.newSessionRequests, newSessionRequest{Resp: resp},
		resp,
		"registering stream session",
	)
	if !ok {
		return nil, false
	}

	hello := Frame{
		Type:            FrameTypeHello,
		SessionID:       sess.ID,
		ResumeToken:     sess.wireToken(),
		ResumeURL:       s.cfg.ResumeURL,
		EventIntervalMS: s.cfg.EventInterval.Milliseconds(),
	}
	if err := conn.WriteJSON(hello); err != nil {
		s.log.Info("Failed to write hello frame", "session_id", sess.ID, "err", err)
		return nil, false
	}

	return sess, true
}

// handshakeResume resolves a resume frame against the kernel.
// It returns a nil session with ok=true
// when the session is unknown or the token does not match,
// so that the caller can fall back to a fresh session.
// A muted session resumes silently:
// the connection attaches but no resumed frame or replay is written.
func (s *Server) handshakeResume(ctx context.Context, conn *websocket.Conn, first Frame) (*session, bool) {
	resp := make(chan resumeResult, 1)
	res, ok := gchan.ReqResp(
		ctx, s.log,
		s.resumeSessionRequests, resumeSessionRequest{
			ID:      first.SessionID,
			Token:   first.ResumeToken,
			LastSeq: first.LastSeq,
			Resp:    resp,
		},
		resp,
		"resuming stream session",
	)
	if !ok {
		return nil, false
	}

	if res.Sess == nil {
		return nil, true
	}

	sess := res.Sess
	if sess.isMuted() {
		return sess, true
	}

	resumed := Frame{
		Type:      FrameTypeResumed,
		SessionID: sess.ID,
		Replayed:  len(res.Replay),
	}
	if err := conn.WriteJSON(resumed); err != nil {
		s.log.Info("Failed to write resumed frame", "session_id", sess.ID, "err", err)
		return nil, false
	}
	for _, ev := range res.Replay {
		if err := conn.WriteJSON(ev); err != nil {
			s.log.Info("Failed to write replayed event", "session_id", sess.ID, "err", err)
			return nil, false
		}
	}

	s.log.Info(
		"Resumed stream session",
		"session_id", sess.ID,
		"replayed", len(res.Replay),
	)

	return sess, true
}

// runSession attaches conn as the session's live connection
// and pumps events and pings until the connection fails,
// the session is dropped, or the server shuts down.
func (s *Server) runSession(ctx context.Context, conn *websocket.Conn, sess *session) {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if prev := sess.attach(conn, cancel); prev != nil {
		// A second connection for the same session kicks the first.
		_ = prev.Close()
	}
	defer sess.detach(conn)

	// Reads discard application data
	// but surface closes and network failures.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	events := time.NewTicker(s.cfg.EventInterval)
	defer events.Stop()

	pings := time.NewTicker(s.cfg.PingInterval)
	defer pings.Stop()

	for {
		select {
		case <-pumpCtx.Done():
			return

		case <-events.C:
			ev, ok := sess.nextEvent(time.Now())
			if !ok {
				// Muted.
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Info(
					"Failed to write event frame; detaching",
					"session_id", sess.ID,
					"err", err,
				)
				return
			}

		case <-pings.C:
			if sess.isMuted() {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.log.Info(
					"Failed to write ping; detaching",
					"session_id", sess.ID,
					"err", err,
				)
				return
			}
		}
	}
}
