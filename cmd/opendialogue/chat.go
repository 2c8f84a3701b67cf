package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/opendialogue/internal/app"
	"github.com/MrWong99/opendialogue/internal/conversation"
	"github.com/MrWong99/opendialogue/internal/playback"
	"github.com/MrWong99/opendialogue/internal/roster"
)

func chatCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Converse on the console",
		Long: `Read lines from stdin and speak the assistants' replies through the
configured audio device.

The first line unlocks audio output, as does an empty line. Commands:
  /reflect   let the assistants talk among themselves
  /revoke    lock audio output again
  /quit      leave`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume the conversation log of this session id")
	return cmd
}

func runChat(parent context.Context, in io.Reader, out io.Writer, sessionID string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	application, err := app.New(ctx, rt.cfg, rt.providers,
		app.WithMetrics(rt.metrics),
		app.WithLevelVar(rt.level),
		app.WithConfigWatch(configPath),
		app.WithSessionID(sessionID),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}()

	names := make(map[string]string, len(rt.cfg.Roster))
	for _, a := range rt.cfg.Roster {
		names[a.ID] = a.Name
	}
	c := &console{
		conv:  application.Session(),
		perm:  application.Gate(),
		out:   out,
		names: names,
	}
	fmt.Fprintf(out, "session %s, press enter to enable audio\n", application.Session().ID())
	return c.run(ctx, in)
}

// ── Console loop ──────────────────────────────────────────────────────────────

// consoleConversation is the part of [conversation.Session] the console
// drives.
type consoleConversation interface {
	Chat(ctx context.Context, input string) (*conversation.Turn, error)
	Reflect(ctx context.Context) (*conversation.Turn, error)
	Play(ctx context.Context, t *conversation.Turn, obs playback.Observer) error
}

// consolePermission is the part of [playback.Gate] the console drives.
type consolePermission interface {
	OnUserGesture(ctx context.Context) bool
	IsUnlocked() bool
	Revoke(ctx context.Context)
}

var (
	_ consoleConversation = (*conversation.Session)(nil)
	_ consolePermission   = (*playback.Gate)(nil)
)

// console runs turns read from a line-oriented input. Turns are played to
// completion before the next line is read.
type console struct {
	conv  consoleConversation
	perm  consolePermission
	out   io.Writer
	names map[string]string // assistant id -> display name
}

// run reads lines until EOF, /quit or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !c.handle(ctx, strings.TrimSpace(line)) {
				return nil
			}
		}
	}
}

// handle processes one input line and reports whether to continue.
func (c *console) handle(ctx context.Context, line string) bool {
	// Any line counts as a user gesture while output is locked.
	if !c.perm.IsUnlocked() && line != "/revoke" {
		if c.perm.OnUserGesture(ctx) {
			fmt.Fprintln(c.out, "[audio enabled]")
		} else {
			fmt.Fprintln(c.out, "[audio unavailable]")
		}
	}

	switch line {
	case "":
		return true
	case "/quit":
		return false
	case "/revoke":
		c.perm.Revoke(ctx)
		fmt.Fprintln(c.out, "[audio disabled]")
		return true
	case "/reflect":
		t, err := c.conv.Reflect(ctx)
		c.turn(ctx, t, err)
		return true
	default:
		t, err := c.conv.Chat(ctx, line)
		c.turn(ctx, t, err)
		return true
	}
}

// turn prints the reply of a finished turn and plays it.
func (c *console) turn(ctx context.Context, t *conversation.Turn, err error) {
	switch {
	case errors.Is(err, conversation.ErrBusy):
		fmt.Fprintln(c.out, "[busy]")
		return
	case err != nil:
		fmt.Fprintf(c.out, "[error: %v]\n", err)
		return
	}
	if len(t.Utterances) == 0 {
		fmt.Fprintln(c.out, "[no reply]")
		return
	}
	for _, u := range t.Utterances {
		fmt.Fprintf(c.out, "%s：%s\n", u.Speaker.Name(), u.Content)
	}

	obs := playback.ObserverFuncs{
		Start: func(id string) { fmt.Fprintf(c.out, "  ▶ %s\n", c.name(id)) },
	}
	if err := c.conv.Play(ctx, t, obs); err != nil {
		if errors.Is(err, playback.ErrNotUnlocked) {
			fmt.Fprintln(c.out, "[audio locked, press enter to enable]")
		} else if !errors.Is(err, context.Canceled) {
			slog.Warn("console: playback failed", "err", err)
		}
	}
}

func (c *console) name(id string) string {
	if n, ok := c.names[id]; ok {
		return n
	}
	if id == roster.UnknownIndex {
		return "?"
	}
	return id
}
