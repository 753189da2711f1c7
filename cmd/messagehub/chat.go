package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/4xmen/messagehub/internal/api"
	"github.com/4xmen/messagehub/internal/call"
	"github.com/4xmen/messagehub/internal/metrics"
	"github.com/4xmen/messagehub/internal/models"
	"github.com/4xmen/messagehub/internal/session"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive session against the relay",
	Long: `chat reads commands from standard input. Plain lines are sent to the
selected conversation.

  /users            list contacts
  /select <id>      open a conversation
  /audio <file>     send an audio file
  /media <file>     send a media file
  /call [id]        call a contact (default: open conversation)
  /accept           answer the incoming call
  /decline          reject the incoming call
  /end              hang up
  /quit             leave`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// chatClient is the part of a session the prompt drives.
type chatClient interface {
	Self() string
	Select(ctx context.Context, peerID string) error
	SendText(ctx context.Context, text string) (*models.Message, error)
	SendAudio(ctx context.Context, audio api.Attachment) (*models.Message, error)
	SendMedia(ctx context.Context, media api.Attachment) (*models.Message, error)
	Contacts(ctx context.Context) ([]session.Contact, error)
	StartCall(ctx context.Context, peerID string) error
	AcceptCall(ctx context.Context) error
	DeclineCall() error
	EndCall()
}

var _ chatClient = (*session.Session)(nil)

var errQuit = errors.New("quit")

func runChat(ctx context.Context, in io.Reader, out io.Writer) error {
	t := newTranscript(out)
	s, err := session.New(cfg,
		session.WithLogger(slog.Default()),
		session.WithTimelineHandler(t.timeline),
		session.WithPresenceHandler(t.presence),
		session.WithCallHandler(t.call),
	)
	if err != nil {
		return err
	}
	defer s.Close()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	go func() {
		for n := range s.Notices() {
			t.printf("! %s\n", n.Text)
		}
	}()

	if err := s.Start(ctx); err != nil {
		return err
	}

	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := execLine(ctx, s, t, sc.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			t.printf("error: %v\n", err)
		}
	}
	return sc.Err()
}

func serveMetrics(addr string) {
	slog.Info("serving metrics", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		slog.Warn("metrics server stopped", "err", err)
	}
}

// parseLine splits a prompt line into a command and its argument. A line
// that does not start with '/' is a text message and has no command.
func parseLine(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	cmd, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func execLine(ctx context.Context, c chatClient, t *transcript, line string) error {
	cmd, arg := parseLine(line)
	switch cmd {
	case "":
		if arg == "" {
			return nil
		}
		_, err := c.SendText(ctx, arg)
		return err
	case "users":
		contacts, err := c.Contacts(ctx)
		if err != nil {
			return err
		}
		for _, u := range contacts {
			state := "offline"
			if u.Online {
				state = "online"
			}
			t.printf("  %s  %-30s %s\n", u.ID, u.Email, state)
		}
		return nil
	case "select":
		if arg == "" {
			return errors.New("usage: /select <id>")
		}
		return c.Select(ctx, arg)
	case "audio", "media":
		if arg == "" {
			return fmt.Errorf("usage: /%s <file>", cmd)
		}
		f, err := os.Open(arg)
		if err != nil {
			return err
		}
		defer f.Close()
		att := api.Attachment{Name: filepath.Base(arg), Body: f}
		if cmd == "audio" {
			_, err = c.SendAudio(ctx, att)
		} else {
			_, err = c.SendMedia(ctx, att)
		}
		return err
	case "call":
		return c.StartCall(ctx, arg)
	case "accept":
		return c.AcceptCall(ctx)
	case "decline":
		return c.DeclineCall()
	case "end":
		c.EndCall()
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command /%s", cmd)
	}
}

// transcript prints timeline, presence and call changes as they arrive.
type transcript struct {
	mu      sync.Mutex
	out     io.Writer
	peer    string
	printed map[string]models.Message
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{out: out, printed: make(map[string]models.Message)}
}

func (t *transcript) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *transcript) timeline(peerID string, msgs []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peerID != t.peer {
		t.peer = peerID
		clear(t.printed)
		if peerID != "" {
			fmt.Fprintf(t.out, "-- conversation with %s --\n", peerID)
		}
	}
	for _, m := range msgs {
		prev, ok := t.printed[m.ID]
		t.printed[m.ID] = m
		switch {
		case !ok:
			fmt.Fprintln(t.out, formatMessage(m))
		case !prev.Seen && m.Seen:
			fmt.Fprintf(t.out, "   seen %s\n", m.ID)
		case !prev.Delivered && m.Delivered:
			fmt.Fprintf(t.out, "   delivered %s\n", m.ID)
		}
	}
}

func formatMessage(m models.Message) string {
	body := m.Content
	switch {
	case m.AudioURL != "":
		body = "[audio] " + m.AudioURL
	case m.MediaURL != "":
		body = "[media] " + m.MediaURL
	}
	stamp := "--:--"
	if !m.CreatedAt.IsZero() {
		stamp = m.CreatedAt.Local().Format("15:04")
	}
	return fmt.Sprintf("%s %s: %s", stamp, m.SenderID, body)
}

func (t *transcript) presence(online []string) {
	t.printf("* %d online\n", len(online))
}

func (t *transcript) call(c call.Change) {
	if c.Phase == call.Idle {
		t.printf("* call idle (%s)\n", c.Reason)
		return
	}
	t.printf("* call %s with %s\n", c.Phase, c.PeerID)
}
