package client

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	chatserver "github.com/louisbranch/wayfarer/internal/services/chat/app"
	"github.com/louisbranch/wayfarer/internal/services/chat/directory"
	"github.com/louisbranch/wayfarer/internal/services/chat/gateway"
	"github.com/louisbranch/wayfarer/internal/services/chat/history"
	"github.com/louisbranch/wayfarer/internal/services/chat/identity"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage/memory"
)

// trackingDialer remembers the connections it opened so a test can cut them.
type trackingDialer struct {
	Dialer
	mu    sync.Mutex
	conns []PushConn
}

func (d *trackingDialer) Dial(ctx context.Context) (PushConn, error) {
	conn, err := d.Dialer.Dial(ctx)
	if err == nil {
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
	}
	return conn, err
}

func (d *trackingDialer) cut() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.conns); n > 0 {
		_ = d.conns[n-1].Close()
	}
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

func newSession(t *testing.T, srv *httptest.Server, user string) (*Controller, *trackingDialer) {
	t.Helper()
	api, err := NewHTTPClient(srv.URL, user, "", srv.Client())
	if err != nil {
		t.Fatalf("new http client: %v", err)
	}
	ws, err := NewWSDialer(srv.URL, user, "")
	if err != nil {
		t.Fatalf("new ws dialer: %v", err)
	}
	dialer := &trackingDialer{Dialer: ws}
	c := newTestController(t, api, dialer, func(cfg *Config) {
		cfg.NewBackOff = func() backoff.BackOff {
			return backoff.NewConstantBackOff(20 * time.Millisecond)
		}
	})
	return c, dialer
}

func bodies(view View) []string {
	out := make([]string, 0, len(view.Messages))
	for _, m := range view.Messages {
		out = append(out, m.Body)
	}
	return out
}

func TestSessionsShareRoomAndSwitch(t *testing.T) {
	srv := newChatServer(t)
	alice, _ := newSession(t, srv, "alice")
	bob, _ := newSession(t, srv, "bob")

	alice.SetTarget(Target{TripID: "42"})
	bob.SetTarget(Target{TripID: "42"})
	waitFor(t, alice, "alice live", inState(StateLive))
	waitFor(t, bob, "bob live", inState(StateLive))

	ack, err := alice.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack.Sequence != 1 {
		t.Fatalf("ack sequence = %d, want 1", ack.Sequence)
	}
	for name, c := range map[string]*Controller{"alice": alice, "bob": bob} {
		view := waitFor(t, c, name+" sees hello", func(v View) bool { return len(v.Messages) == 1 })
		if view.Messages[0].Body != "hello" || view.Messages[0].SenderID != "alice" {
			t.Fatalf("%s message = %+v", name, view.Messages[0])
		}
	}

	bob.SetTarget(Target{TripID: "43"})
	waitFor(t, bob, "bob live in trip-43", func(v View) bool { return v.State == StateLive && v.RoomID == "trip-43" })

	if _, err := alice.Send(context.Background(), "still here"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, alice, "alice sees second message", func(v View) bool { return len(v.Messages) == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := bob.View(); len(got.Messages) != 0 {
		t.Fatalf("bob in trip-43 saw %v", bodies(got))
	}

	api, err := NewHTTPClient(srv.URL, "carol", "", srv.Client())
	if err != nil {
		t.Fatalf("new http client: %v", err)
	}
	page, err := api.FetchHistory(context.Background(), "trip-42", HistoryQuery{})
	if err != nil {
		t.Fatalf("fetch history: %v", err)
	}
	if len(page.Messages) != 2 || page.Messages[0].Sequence != 1 || page.Messages[1].Sequence != 2 {
		t.Fatalf("history = %+v", page.Messages)
	}
}

func TestSessionRecoversMessagesSentWhileOffline(t *testing.T) {
	srv := newChatServer(t)
	alice, aliceDialer := newSession(t, srv, "alice")
	bob, _ := newSession(t, srv, "bob")

	alice.SetTarget(Target{TripID: "42"})
	bob.SetTarget(Target{TripID: "42"})
	waitFor(t, alice, "alice live", inState(StateLive))
	waitFor(t, bob, "bob live", inState(StateLive))

	if _, err := bob.Send(context.Background(), "before"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, alice, "alice sees before", func(v View) bool { return len(v.Messages) == 1 })

	aliceDialer.cut()
	if _, err := bob.Send(context.Background(), "while away"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := bob.Send(context.Background(), "welcome back"); err != nil {
		t.Fatalf("send: %v", err)
	}

	view := waitFor(t, alice, "alice resynced", func(v View) bool {
		return v.State == StateLive && !v.Reconnecting && len(v.Messages) == 3
	})
	seen := make(map[string]bool)
	for i, m := range view.Messages {
		if seen[m.ID] {
			t.Fatalf("duplicate message %q", m.ID)
		}
		seen[m.ID] = true
		if m.Sequence != int64(i+1) {
			t.Fatalf("sequence[%d] = %d, want %d", i, m.Sequence, i+1)
		}
	}
	if got := bodies(view); got[0] != "before" || got[1] != "while away" || got[2] != "welcome back" {
		t.Fatalf("bodies = %v", got)
	}
}
