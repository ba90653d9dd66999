package gstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/gpulse/gconn"
	"github.com/gorilla/websocket"
)

const (
	// Handshake deadline for a single dial attempt.
	dialTimeout = 5 * time.Second

	// How long the client waits between failed dial attempts.
	redialDelay = time.Second
)

// Client is a pulse stream client.
//
// It satisfies the gconn.Conn interface,
// so it can be placed directly under watchdog supervision.
// The client owns recovery from outright connection failures:
// when the socket dies without a deliberate Disconnect,
// it redials on its own, resuming the held session.
// A connection that stays open but falls silent is invisible to it;
// detecting that is the watchdog's job.
type Client struct {
	log *slog.Logger

	// Dial target for fresh connections.
	// Resumes prefer the resume URL from the session's hello frame.
	url string

	sigs gconn.SignalBroker

	connectRequests    chan bool
	disconnectRequests chan struct{}

	mu          sync.Mutex
	connected   bool
	identity    gconn.SessionIdentity
	resumeToken string

	wg sync.WaitGroup
}

var _ gconn.Conn = (*Client)(nil)

// NewClient returns a client that will dial url on its first connect.
// The client's background work stops when ctx is canceled;
// call [Client.Wait] to block until it has finished.
//
// The returned client is idle.
// Nothing is dialed until the first call to [Client.Connect].
func NewClient(ctx context.Context, log *slog.Logger, url string) (*Client, error) {
	if url == "" {
		return nil, errors.New("NewClient: url may not be empty")
	}

	c := &Client{
		log: log,

		url: url,

		connectRequests:    make(chan bool, 1),
		disconnectRequests: make(chan struct{}, 1),
	}

	c.wg.Add(1)
	go c.kernel(ctx)

	return c, nil
}

// Wait blocks until the client's background work has finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Connected reports whether the client currently holds an open websocket.
// An open socket says nothing about whether the server is sending anything.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Identity returns the client's current session identity.
// The zero value means no session is held.
func (c *Client) Identity() gconn.SessionIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connect requests that the client dial the stream server.
// If resume is true and a session identity is held,
// the client attempts to resume that session;
// otherwise it identifies fresh.
//
// Connect never blocks.
// A request that arrives while another connect is still pending is dropped.
func (c *Client) Connect(resume bool) {
	select {
	case c.connectRequests <- resume:
	default:
		c.log.Debug("Connect request already pending; ignoring", "resume", resume)
	}
}

// Disconnect requests teardown of the current connection, if any.
// It never blocks and is safe to call at any time.
func (c *Client) Disconnect() {
	select {
	case c.disconnectRequests <- struct{}{}:
	default:
		// A teardown is already pending.
	}
}

// ClearSessionIdentity erases the held session identity and resume token,
// so that no later connect can resume into the old session.
func (c *Client) ClearSessionIdentity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = gconn.SessionIdentity{}
	c.resumeToken = ""
}

// SubscribeSignals registers ch to receive a signal
// for every inbound frame and every websocket ping.
func (c *Client) SubscribeSignals(ch chan<- gconn.Signal) (gconn.SignalToken, error) {
	return c.sigs.Subscribe(ch), nil
}

// UnsubscribeSignals removes the subscription identified by tok.
func (c *Client) UnsubscribeSignals(tok gconn.SignalToken) error {
	return c.sigs.Unsubscribe(tok)
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// kernel serializes connects and disconnects
// so that at most one websocket is active at a time.
func (c *Client) kernel(ctx context.Context) {
	defer c.wg.Done()

	var active *websocket.Conn
	readerDone := make(chan *websocket.Conn, 4)

	closeActive := func() {
		if active == nil {
			return
		}
		_ = active.Close()
		active = nil
		c.setConnected(false)
	}
	defer closeActive()

	for {
		select {
		case <-ctx.Done():
			c.log.Info(
				"Stopping stream client due to context cancellation",
				"cause", context.Cause(ctx),
			)
			return

		case resume := <-c.connectRequests:
			if active != nil {
				c.log.Debug("Ignoring connect request while already connected", "resume", resume)
				continue
			}

			conn, ok := c.dial(ctx, resume)
			if !ok {
				continue
			}

			active = conn
			c.setConnected(true)

			c.wg.Add(1)
			go c.readFrames(conn, readerDone)

		case <-c.disconnectRequests:
			closeActive()

		case dead := <-readerDone:
			// Only act if the dead socket is still the active one;
			// a reader from an already replaced connection reports late.
			if dead != active {
				continue
			}
			closeActive()

			// A deliberate disconnect closes the socket before the reader
			// can report it, so reaching here means the connection died
			// on its own. Unless a disconnect is racing in right now,
			// recovery is this client's job.
			select {
			case <-c.disconnectRequests:
			default:
				c.log.Info("Stream connection lost; reconnecting")
				select {
				case c.connectRequests <- true:
				default:
				}
			}
		}
	}
}

// dial attempts to connect until it succeeds,
// ctx is canceled, or a disconnect request arrives.
func (c *Client) dial(ctx context.Context, resume bool) (*websocket.Conn, bool) {
	for {
		conn, err := c.dialOnce(ctx, resume)
		if err == nil {
			return conn, true
		}

		if ctx.Err() != nil {
			return nil, false
		}

		c.log.Info("Failed to dial stream server; will retry", "err", err)

		timer := time.NewTimer(redialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-c.disconnectRequests:
			// A disconnect during redial abandons the attempt.
			timer.Stop()
			return nil, false
		case <-timer.C:
			// Try again.
		}
	}
}

// dialOnce makes a single connection attempt
// and sends the identify or resume frame on success.
// Any response arrives later through the read loop.
func (c *Client) dialOnce(ctx context.Context, resume bool) (*websocket.Conn, error) {
	c.mu.Lock()
	id := c.identity
	tok := c.resumeToken
	c.mu.Unlock()

	target := c.url
	first := Frame{Type: FrameTypeIdentify}
	if resume {
		if id.IsZero() || tok == "" {
			c.log.Info("Resume requested without a held session; identifying fresh")
		} else {
			first = Frame{
				Type:        FrameTypeResume,
				SessionID:   id.SessionID,
				ResumeToken: tok,
				LastSeq:     id.Sequence,
			}
			if id.ResumeURL != "" {
				target = id.ResumeURL
			}
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	conn.SetPingHandler(func(message string) error {
		c.sigs.Emit(gconn.Signal{At: time.Now()})

		// Mirror the default handler's pong reply.
		err := conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	if err := conn.WriteJSON(first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write %s frame: %w", first.Type, err)
	}

	c.log.Info("Connected to stream server", "url", target, "first_frame", first.Type)

	return conn, nil
}

// readFrames consumes frames until the socket fails,
// emitting a liveness signal for every one,
// then reports the dead socket to the kernel.
func (c *Client) readFrames(conn *websocket.Conn, done chan<- *websocket.Conn) {
	defer c.wg.Done()
	defer func() { done <- conn }()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			// Closes and network failures land here alike;
			// the kernel decides what happens next.
			return
		}

		c.sigs.Emit(gconn.Signal{At: time.Now()})

		switch f.Type {
		case FrameTypeHello:
			c.mu.Lock()
			c.identity = gconn.SessionIdentity{
				SessionID: f.SessionID,
				ResumeURL: f.ResumeURL,
			}
			c.resumeToken = f.ResumeToken
			c.mu.Unlock()
			c.log.Info(
				"Stream session established",
				"session_id", f.SessionID,
				"event_interval_ms", f.EventIntervalMS,
			)

		case FrameTypeResumed:
			c.log.Info(
				"Stream session resumed",
				"session_id", f.SessionID,
				"replayed", f.Replayed,
			)

		case FrameTypeEvent:
			c.mu.Lock()
			if !c.identity.IsZero() {
				c.identity.Sequence = f.Seq
			}
			c.mu.Unlock()

		default:
			c.log.Debug("Ignoring unrecognized frame", "type", f.Type)
		}
	}
}
