package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/gpulse/gstream"
	"github.com/gordian-engine/gpulse/internal/gtest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func runCmdSync(
	ctx context.Context,
	log *slog.Logger,
	args ...string,
) (outBuf, errBuf *bytes.Buffer, err error) {
	outBuf = new(bytes.Buffer)
	errBuf = new(bytes.Buffer)

	cmd := NewRootCmd(log)
	cmd.SetArgs(args)
	cmd.SetOutput(outBuf)
	cmd.SetErr(errBuf)

	err = cmd.ExecuteContext(ctx)
	return outBuf, errBuf, err
}

func runCmd(
	ctx context.Context,
	log *slog.Logger,
	wg *sync.WaitGroup,
	args ...string,
) *cmdFixture {
	cfx := &cmdFixture{
		ErrCh: make(chan error, 1),
	}

	cmd := NewRootCmd(log)
	cmd.SetArgs(args)
	cmd.SetOutput(&cfx.outBuf)
	cmd.SetErr(&cfx.errBuf)

	wg.Add(1)
	go func() {
		defer wg.Done()

		cfx.ErrCh <- cmd.ExecuteContext(ctx)
	}()

	return cfx
}

type cmdFixture struct {
	ErrCh          chan error
	outBuf, errBuf bytes.Buffer
}

// reserveAddr grabs an ephemeral loopback address and releases it,
// so a command started immediately afterward can bind it.
func reserveAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestIntegration_serveAndSessionCmds(t *testing.T) {
	t.Parallel()

	// Set up wait group first since deferred cancel will happen before deferred wg.Wait.
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := gtest.NewLogger(t)

	addr := reserveAddr(t)
	httpURL := "http://" + addr

	serveCmd := runCmd(ctx, log.With("cmd", "serve"), &wg, "serve", addr)

	// Poll until the server is answering.
	require.Eventually(t, func() bool {
		resp, err := http.Get(httpURL + "/debug/sessions")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Duration(gtest.ScaleMs(2000)), 10*time.Millisecond)

	// No sessions yet.
	outBuf, errBuf, err := runCmdSync(ctx, log.With("cmd", "sessions"), "sessions", httpURL)
	require.NoError(t, err, "stdout:\n%s\nstderr:\n%s", outBuf, errBuf)
	require.Empty(t, strings.TrimSpace(outBuf.String()))

	// One raw websocket client creates a session.
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+"/stream", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(gstream.Frame{Type: gstream.FrameTypeIdentify}))

	var sessionLine string
	require.Eventually(t, func() bool {
		outBuf, _, err := runCmdSync(ctx, log.With("cmd", "sessions"), "sessions", httpURL)
		if err != nil {
			return false
		}
		sessionLine = strings.TrimSpace(outBuf.String())
		return sessionLine != ""
	}, time.Duration(gtest.ScaleMs(2000)), 10*time.Millisecond)

	sessionID := strings.Fields(sessionLine)[0]

	// Mute, then drop, through the operator commands.
	_, _, err = runCmdSync(ctx, log.With("cmd", "mute"), "mute", httpURL, sessionID)
	require.NoError(t, err)

	_, _, err = runCmdSync(ctx, log.With("cmd", "drop"), "drop", httpURL, sessionID)
	require.NoError(t, err)

	// Operating on the dropped session now fails.
	_, _, err = runCmdSync(ctx, log.With("cmd", "mute"), "mute", httpURL, sessionID)
	require.Error(t, err)

	// The serve command is still running...
	gtest.NotSending(t, serveCmd.ErrCh)

	// ...until context cancellation stops it cleanly.
	cancel()
	require.Nil(t, gtest.ReceiveSoon(t, serveCmd.ErrCh))
}

func TestIntegration_runScenario(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := gtest.NewLogger(t)

	scenario := fmt.Sprintf(`
version = 1

[server]
listen = "127.0.0.1:0"
event_interval = "%s"
ping_interval = "%s"
resume_buffer = 16

[clients]
count = 2

[watchdog]
check_interval = "%s"
stale_threshold = "%s"
max_stale_before_fresh = 2

[faults]
mute_interval = "%s"
duration = "%s"
`,
		time.Duration(gtest.ScaleMs(10)),
		time.Duration(gtest.ScaleMs(25)),
		time.Duration(gtest.ScaleMs(40)),
		time.Duration(gtest.ScaleMs(80)),
		time.Duration(gtest.ScaleMs(100)),
		time.Duration(gtest.ScaleMs(400)),
	)

	path := filepath.Join(t.TempDir(), "scenario.toml")
	require.NoError(t, os.WriteFile(path, []byte(scenario), 0o600))

	outBuf, errBuf, err := runCmdSync(ctx, log, "run", path)
	if err != nil {
		t.Logf("command stdout:\n%s\n", outBuf)
		t.Logf("command stderr:\n%s\n", errBuf)
		t.Fatalf("got error while running scenario: %v", err)
	}

	out := outBuf.String()
	require.Contains(t, out, "client 0:")
	require.Contains(t, out, "client 1:")
	require.Contains(t, out, "sessions: total=")
}

const validScenario = `
version = 1

[server]
listen = "127.0.0.1:0"
event_interval = "250ms"
ping_interval = "1s"
resume_buffer = 64

[clients]
count = 5

[watchdog]
check_interval = "2s"
stale_threshold = "5s"
max_stale_before_fresh = 3

[faults]
mute_interval = "10s"
duration = "1m"
`

func TestLoadScenario(t *testing.T) {
	t.Parallel()

	writeScenario := func(t *testing.T, content string) string {
		t.Helper()

		path := filepath.Join(t.TempDir(), "scenario.toml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}

	t.Run("valid", func(t *testing.T) {
		t.Parallel()

		sc, err := LoadScenario(writeScenario(t, validScenario))
		require.NoError(t, err)

		require.Equal(t, "127.0.0.1:0", sc.Server.Listen)
		require.Equal(t, 250*time.Millisecond, time.Duration(sc.Server.EventInterval))
		require.Equal(t, time.Second, time.Duration(sc.Server.PingInterval))
		require.Equal(t, 5, sc.Clients.Count)
		require.Equal(t, 5*time.Second, time.Duration(sc.Watchdog.StaleThreshold))
		require.Equal(t, 3, sc.Watchdog.MaxStaleBeforeFresh)
		require.Equal(t, time.Minute, time.Duration(sc.Faults.Duration))
	})

	t.Run("missing version", func(t *testing.T) {
		t.Parallel()

		_, err := LoadScenario(writeScenario(t, `[server]`+"\n"+`listen = "x"`))
		require.Error(t, err)
		require.ErrorContains(t, err, "version missing")
	})

	t.Run("unsupported version", func(t *testing.T) {
		t.Parallel()

		_, err := LoadScenario(writeScenario(t, `version = 2`))
		require.Error(t, err)
		require.ErrorContains(t, err, "unsupported scenario version 2")
	})

	t.Run("missing settings", func(t *testing.T) {
		t.Parallel()

		_, err := LoadScenario(writeScenario(t, `version = 1`))
		require.Error(t, err)
		require.ErrorContains(t, err, "server.listen may not be empty")
		require.ErrorContains(t, err, "clients.count must be positive")
		require.ErrorContains(t, err, "watchdog.check_interval must be positive")
	})

	t.Run("malformed duration", func(t *testing.T) {
		t.Parallel()

		bad := strings.Replace(validScenario, `"250ms"`, `"banana"`, 1)
		_, err := LoadScenario(writeScenario(t, bad))
		require.Error(t, err)
		require.ErrorContains(t, err, "parsing scenario")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.toml"))
		require.Error(t, err)
		require.ErrorContains(t, err, "reading scenario")
	})
}
