package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gordian-engine/gpulse/gstream"
	"github.com/spf13/cobra"
)

func main() {
	if err := mainE(); err != nil {
		os.Exit(1)
	}
}

func mainE() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	root := NewRootCmd(logger)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Info("Failure", "err", err)
		os.Stderr.Sync()
		return err
	}

	return nil
}

func NewRootCmd(log *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use: "gpulse-stress SUBCOMMAND",

		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},

		Long: `gpulse-stress exercises watchdog-supervised pulse stream connections.

The serve subcommand runs a standalone stream server,
whose sessions can be inspected and black-holed through its debug routes.

The run subcommand drives a full scenario in one process:
one server, a fleet of supervised clients,
and a fault injector that silently mutes random sessions
so the watchdogs have something to recover from.
`,
	}

	rootCmd.AddCommand(
		newServeCmd(log),
		newRunCmd(log),
		newSessionsCmd(log),
		newSessionActionCmd(log, "mute"),
		newSessionActionCmd(log, "unmute"),
		newSessionActionCmd(log, "drop"),
	)

	return rootCmd
}

func newServeCmd(log *slog.Logger) *cobra.Command {
	var (
		eventInterval time.Duration
		pingInterval  time.Duration
		resumeBuffer  int
	)

	cmd := &cobra.Command{
		Use: "serve LISTEN_ADDR",

		Short: "Run a standalone pulse stream server",

		Long: `serve runs a pulse stream server on the given TCP address.

Clients connect to ws://ADDR/stream.
The debug routes under http://ADDR/debug/sessions
list sessions and inject faults;
muting a session silences it without closing anything,
which is exactly the zombie condition a watchdog exists to catch.
`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ln, err := net.Listen("tcp", args[0])
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", args[0], err)
			}

			srv, err := gstream.NewServer(ctx, log.With("sys", "server"), gstream.ServerConfig{
				Listener:      ln,
				EventInterval: eventInterval,
				PingInterval:  pingInterval,
				ResumeBuffer:  resumeBuffer,
				ResumeURL:     "ws://" + ln.Addr().String() + "/stream",
			})
			if err != nil {
				return fmt.Errorf("failed to start stream server: %w", err)
			}
			defer srv.Wait()

			log.Info("Stream server ready", "addr", ln.Addr().String())

			<-ctx.Done()
			log.Info("Received ^c")

			return nil
		},
	}

	cmd.Flags().DurationVar(&eventInterval, "event-interval", time.Second, "how often each session emits an event frame")
	cmd.Flags().DurationVar(&pingInterval, "ping-interval", 5*time.Second, "how often each session receives a websocket ping")
	cmd.Flags().IntVar(&resumeBuffer, "resume-buffer", 64, "how many events each session retains for resume replay")

	return cmd
}

func newRunCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use: "run PATH_TO_SCENARIO_TOML",

		Short: "Run a self-contained stress scenario from a TOML file",

		Long: `run starts a server and a fleet of watchdog-supervised clients,
then mutes random sessions on an interval
and reports each watchdog's recovery counts at the end.

An example scenario:

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

A zero faults.duration runs until interrupted.
`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := LoadScenario(args[0])
			if err != nil {
				return fmt.Errorf("failed to load scenario: %w", err)
			}

			return runScenario(cmd.Context(), log, cmd.OutOrStdout(), sc)
		},
	}

	return cmd
}

func newSessionsCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use: "sessions SERVER_HTTP_URL",

		Short: "List the sessions registered on a running server",

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(
				cmd.Context(), http.MethodGet, args[0]+"/debug/sessions", nil,
			)
			if err != nil {
				return fmt.Errorf("failed to build sessions request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status listing sessions: %s", resp.Status)
			}

			var summaries []gstream.SessionSummary
			if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
				return fmt.Errorf("failed to decode session list: %w", err)
			}

			for _, s := range summaries {
				// Logs go to stderr, but the session listing goes to stdout.
				fmt.Fprintf(cmd.OutOrStdout(), "%s live=%t muted=%t seq=%d\n", s.ID, s.Live, s.Muted, s.Seq)
			}

			return nil
		},
	}

	return cmd
}

func newSessionActionCmd(log *slog.Logger, action string) *cobra.Command {
	short := map[string]string{
		"mute":   "Silence a session without closing its connection",
		"unmute": "Restore a muted session",
		"drop":   "Close and forget a session",
	}[action]

	cmd := &cobra.Command{
		Use: action + " SERVER_HTTP_URL SESSION_ID",

		Short: short,

		Args: cobra.ExactArgs(2),

		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/debug/sessions/%s/%s", args[0], args[1], action)

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
			if err != nil {
				return fmt.Errorf("failed to build %s request: %w", action, err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to %s session: %w", action, err)
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusNoContent:
				log.Info("Session updated", "action", action, "session_id", args[1])
				return nil
			case http.StatusNotFound:
				return fmt.Errorf("no such session: %s", args[1])
			default:
				return fmt.Errorf("unexpected status from %s: %s", action, resp.Status)
			}
		},
	}

	return cmd
}
