package chatclient

import (
	"bytes"
	"context"
	"flag"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	chatserver "github.com/louisbranch/wayfarer/internal/services/chat/app"
	"github.com/louisbranch/wayfarer/internal/services/chat/client"
	"github.com/louisbranch/wayfarer/internal/services/chat/directory"
	"github.com/louisbranch/wayfarer/internal/services/chat/gateway"
	"github.com/louisbranch/wayfarer/internal/services/chat/history"
	"github.com/louisbranch/wayfarer/internal/services/chat/identity"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage/memory"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("chatclient", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.ServerURL != "http://localhost:8086" {
		t.Fatalf("expected default server url, got %q", cfg.ServerURL)
	}
	if cfg.OlderPage != 50 {
		t.Fatalf("expected default older page 50, got %d", cfg.OlderPage)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("WAYFARER_CHAT_TOKEN", "env-token")
	t.Setenv("WAYFARER_CHAT_URL", "http://env:8086")

	fs := flag.NewFlagSet("chatclient", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-server", "http://flag:8086", "-trip", "42", "-locale", "pt-BR"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.ServerURL != "http://flag:8086" {
		t.Fatalf("expected flag server url, got %q", cfg.ServerURL)
	}
	if cfg.Token != "env-token" {
		t.Fatalf("expected env token, got %q", cfg.Token)
	}
	if cfg.TripID != "42" || cfg.Locale != "pt-BR" {
		t.Fatalf("expected flag trip and locale, got %+v", cfg)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{line: "hello there", want: command{kind: commandSend, body: "hello there"}},
		{line: "/trip 42", want: command{kind: commandTarget, target: client.Target{TripID: "42"}}},
		{line: "/experience 7", want: command{kind: commandTarget, target: client.Target{ExperienceID: "7"}}},
		{line: "/room trip-42", want: command{kind: commandTarget, target: client.Target{RoomID: "trip-42"}}},
		{line: "/leave", want: command{kind: commandTarget}},
		{line: "/older", want: command{kind: commandOlder}},
		{line: "/older 20", want: command{kind: commandOlder, limit: 20}},
		{line: "/help", want: command{kind: commandHelp}},
		{line: "  /quit  ", want: command{kind: commandQuit}},
	}
	for _, tc := range tests {
		got, err := parseCommand(tc.line)
		if err != nil {
			t.Fatalf("parseCommand(%q): %v", tc.line, err)
		}
		if got != tc.want {
			t.Fatalf("parseCommand(%q) = %+v, want %+v", tc.line, got, tc.want)
		}
	}
}

func TestParseCommandErrors(t *testing.T) {
	for _, line := range []string{"/trip", "/older zero", "/older -3", "/dance"} {
		if _, err := parseCommand(line); err == nil {
			t.Fatalf("parseCommand(%q): expected error", line)
		}
	}
}

func TestRunTerminalRequiresToken(t *testing.T) {
	err := runTerminal(context.Background(), Config{ServerURL: "http://localhost:8086"}, strings.NewReader(""), io.Discard)
	if err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestRunTerminalRejectsBadServerURL(t *testing.T) {
	err := runTerminal(context.Background(), Config{ServerURL: "ftp://chat", Token: "alice"}, strings.NewReader(""), io.Discard)
	if err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newChatServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := memory.New()
	gw, err := gateway.New(gateway.Config{
		Identity:  identity.Insecure{},
		Directory: directory.Derived{},
		Store:     store,
		Logf:      t.Logf,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	hist, err := history.New(identity.Insecure{}, directory.Derived{}, store, history.DefaultPageSize)
	if err != nil {
		t.Fatalf("new history: %v", err)
	}
	srv := httptest.NewServer(chatserver.NewHandler(chatserver.Deps{
		Gateway:       gw,
		History:       hist,
		Authenticator: identity.Insecure{},
		Logf:          t.Logf,
	}))
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return srv
}

func waitForOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	waitForOutputAfter(t, out, "", want)
}

// waitForOutputAfter waits for want to appear after the first occurrence of
// marker.
func waitForOutputAfter(t *testing.T, out *syncBuffer, marker, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s := out.String()
		if i := strings.Index(s, marker); i >= 0 && strings.Contains(s[i+len(marker):], want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output never contained %q:\n%s", want, out.String())
}

func TestRunTerminalSession(t *testing.T) {
	srv := newChatServer(t)
	in, feed := io.Pipe()
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() {
		done <- runTerminal(context.Background(), Config{ServerURL: srv.URL, Token: "alice", TripID: "42", OlderPage: 10}, in, out)
	}()
	t.Cleanup(func() { _ = feed.Close() })

	write := func(line string) {
		t.Helper()
		if _, err := io.WriteString(feed, line+"\n"); err != nil {
			t.Fatalf("write %q: %v", line, err)
		}
	}

	waitForOutput(t, out, "-- live room=trip-42")
	write("hello from the terminal")
	waitForOutput(t, out, "alice: hello from the terminal")
	write("/older")
	waitForOutput(t, out, "-- loaded 0 older messages (more: false)")
	write("/dance")
	waitForOutput(t, out, "! unknown command /dance")
	write("/leave")
	waitForOutputAfter(t, out, "-- live room=trip-42", "-- idle")
	write("still here?")
	waitForOutput(t, out, "! send:")
	write("/quit")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runTerminal = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("terminal did not stop on /quit")
	}
}
