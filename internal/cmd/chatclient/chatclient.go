// Package chatclient runs a terminal chat session against the chat server.
package chatclient

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/wayfarer/internal/platform/cmd"
	"github.com/louisbranch/wayfarer/internal/platform/timeouts"
	"github.com/louisbranch/wayfarer/internal/services/chat/client"
)

// Config holds chat client command configuration.
type Config struct {
	ServerURL    string `env:"WAYFARER_CHAT_URL"    envDefault:"http://localhost:8086"`
	Token        string `env:"WAYFARER_CHAT_TOKEN"`
	Locale       string `env:"WAYFARER_CHAT_LOCALE"`
	TripID       string
	ExperienceID string
	RoomID       string
	OlderPage    int `env:"WAYFARER_CHAT_OLDER_PAGE" envDefault:"50"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "chat server base URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token or room grant")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "preferred locale for error messages")
	fs.StringVar(&cfg.TripID, "trip", cfg.TripID, "trip to open on start")
	fs.StringVar(&cfg.ExperienceID, "experience", cfg.ExperienceID, "experience to open on start")
	fs.StringVar(&cfg.RoomID, "room", cfg.RoomID, "room id to open on start")
	fs.IntVar(&cfg.OlderPage, "older-page", cfg.OlderPage, "messages loaded by /older without a count")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run reads commands from stdin and renders the session on stdout.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChatClient, func(ctx context.Context) error {
		return runTerminal(ctx, cfg, os.Stdin, os.Stdout)
	})
}

func runTerminal(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	if strings.TrimSpace(cfg.Token) == "" {
		return errors.New("token is required")
	}
	api, err := client.NewHTTPClient(cfg.ServerURL, cfg.Token, cfg.Locale, nil)
	if err != nil {
		return err
	}
	dialer, err := client.NewWSDialer(cfg.ServerURL, cfg.Token, cfg.Locale)
	if err != nil {
		return err
	}
	ctrl, err := client.New(client.Config{History: api, Dialer: dialer})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	term := &terminal{ctrl: ctrl, out: out, olderPage: cfg.OlderPage}
	initial := client.Target{TripID: cfg.TripID, ExperienceID: cfg.ExperienceID, RoomID: cfg.RoomID}
	if !initial.IsZero() {
		ctrl.SetTarget(initial)
	}
	return term.loop(ctx, in)
}

type commandKind int

const (
	commandSend commandKind = iota
	commandTarget
	commandOlder
	commandHelp
	commandQuit
)

type command struct {
	kind   commandKind
	body   string
	target client.Target
	limit  int
}

const helpText = `commands:
  /trip ID         open a trip chat
  /experience ID   open an experience chat
  /room ID         open a room by id
  /leave           close the current chat
  /older [N]       load older messages
  /quit            exit
anything else is sent to the open chat`

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: commandSend, body: line}, nil
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "trip", "experience", "room":
		if arg == "" {
			return command{}, fmt.Errorf("/%s needs an id", name)
		}
		var target client.Target
		switch name {
		case "trip":
			target.TripID = arg
		case "experience":
			target.ExperienceID = arg
		default:
			target.RoomID = arg
		}
		return command{kind: commandTarget, target: target}, nil
	case "leave":
		return command{kind: commandTarget}, nil
	case "older":
		if arg == "" {
			return command{kind: commandOlder}, nil
		}
		limit, err := strconv.Atoi(arg)
		if err != nil || limit <= 0 {
			return command{}, fmt.Errorf("/older needs a positive count, got %q", arg)
		}
		return command{kind: commandOlder, limit: limit}, nil
	case "help":
		return command{kind: commandHelp}, nil
	case "quit", "exit":
		return command{kind: commandQuit}, nil
	default:
		return command{}, fmt.Errorf("unknown command /%s", name)
	}
}

type terminal struct {
	ctrl      *client.Controller
	out       io.Writer
	olderPage int

	status string
	roomID string
	shown  map[string]bool
}

func (t *terminal) loop(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	updates := t.ctrl.Updates()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case view, ok := <-updates:
			if !ok {
				return nil
			}
			t.render(view)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			quit, err := t.exec(ctx, line)
			if err != nil {
				fmt.Fprintf(t.out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (t *terminal) exec(ctx context.Context, line string) (bool, error) {
	cmd, err := parseCommand(line)
	if err != nil {
		return false, err
	}
	switch cmd.kind {
	case commandQuit:
		return true, nil
	case commandHelp:
		fmt.Fprintln(t.out, helpText)
	case commandTarget:
		t.ctrl.SetTarget(cmd.target)
	case commandOlder:
		limit := cmd.limit
		if limit <= 0 {
			limit = t.olderPage
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeouts.HistoryFetch)
		defer cancel()
		n, more, err := t.ctrl.LoadOlder(reqCtx, limit)
		if err != nil {
			return false, fmt.Errorf("load older: %w", err)
		}
		fmt.Fprintf(t.out, "-- loaded %d older messages (more: %t)\n", n, more)
		t.render(t.ctrl.View())
	case commandSend:
		reqCtx, cancel := context.WithTimeout(ctx, 2*timeouts.Write)
		defer cancel()
		if _, err := t.ctrl.Send(reqCtx, cmd.body); err != nil {
			return false, fmt.Errorf("send: %w", err)
		}
	}
	return false, nil
}

func (t *terminal) render(view client.View) {
	status := view.State.String()
	if view.RoomID != "" {
		status += " room=" + view.RoomID
	}
	if view.Reconnecting {
		status += " (reconnecting)"
	}
	if view.Err != nil {
		status += " error: " + view.Err.Error()
	}
	if status != t.status {
		t.status = status
		fmt.Fprintf(t.out, "-- %s\n", status)
	}
	if view.RoomID != t.roomID {
		t.roomID = view.RoomID
		t.shown = make(map[string]bool)
	}
	for _, msg := range view.Messages {
		if t.shown[msg.ID] {
			continue
		}
		t.shown[msg.ID] = true
		fmt.Fprintf(t.out, "[%d %s] %s: %s\n", msg.Sequence, msg.CreatedAt.Local().Format(time.Kitchen), msg.SenderID, msg.Body)
	}
}
