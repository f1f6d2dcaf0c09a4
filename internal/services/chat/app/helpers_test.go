package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/wayfarer/internal/services/chat/directory"
	"github.com/louisbranch/wayfarer/internal/services/chat/gateway"
	"github.com/louisbranch/wayfarer/internal/services/chat/history"
	"github.com/louisbranch/wayfarer/internal/services/chat/identity"
	"github.com/louisbranch/wayfarer/internal/services/chat/metrics"
	"github.com/louisbranch/wayfarer/internal/services/chat/protocol"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage/memory"
)

var testGrantConfig = identity.GrantConfig{
	Secret: []byte("test-secret-test-secret-test-secret"),
	Issuer: "wayfarer-identity",
}

type testApp struct {
	server  *httptest.Server
	store   storage.MessageStore
	gateway *gateway.Gateway
	metrics *metrics.Metrics
	issuer  *identity.GrantIssuer
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	verifier, err := identity.NewGrantVerifier(testGrantConfig)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	issuer, err := identity.NewGrantIssuer(testGrantConfig)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	dir, err := directory.NewStatic([]directory.Entry{
		{RoomID: "trip-42", TripID: "42"},
		{RoomID: "trip-43", TripID: "43"},
		{RoomID: "trip-secret", TripID: "secret"},
	})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	store := memory.New()
	m := metrics.New()
	gw, err := gateway.New(gateway.Config{
		Identity:  verifier,
		Directory: dir,
		Store:     store,
		Observer:  m,
		Logf:      t.Logf,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	hist, err := history.New(verifier, dir, store, history.DefaultPageSize)
	if err != nil {
		t.Fatalf("new history: %v", err)
	}
	srv := httptest.NewServer(NewHandler(Deps{
		Gateway:       gw,
		History:       hist,
		Authenticator: verifier,
		Metrics:       m,
		Logf:          t.Logf,
	}))
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return &testApp{server: srv, store: store, gateway: gw, metrics: m, issuer: issuer}
}

// token issues a grant for user covering trip-42 and trip-43.
func (a *testApp) token(t *testing.T, user string) string {
	t.Helper()
	token, err := a.issuer.Issue(user, []string{"trip-42", "trip-43"}, time.Hour)
	if err != nil {
		t.Fatalf("issue grant: %v", err)
	}
	return token
}

func (a *testApp) get(t *testing.T, path, token, acceptLanguage string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, a.server.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if acceptLanguage != "" {
		req.Header.Set("Accept-Language", acceptLanguage)
	}
	resp, err := a.server.Client().Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func dialWSWithServerURL(httpURL, path, token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	cfg, err := websocket.NewConfig(wsURL, httpURL)
	if err != nil {
		return nil, err
	}
	if token != "" {
		cfg.Header = make(http.Header)
		cfg.Header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DialConfig(cfg)
}

func (a *testApp) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	conn, err := dialWSWithServerURL(a.server.URL, "/ws", a.token(t, user))
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType, requestID string, payload any) {
	t.Helper()
	frame, err := protocol.NewFrame(frameType, requestID, payload)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	if err := websocket.JSON.Send(conn, frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got protocol.Frame
	if err := websocket.JSON.Receive(conn, &got); err != nil {
		t.Fatalf("receive frame: %v", err)
	}
	return got
}

// readUntil reads frames until one of frameType arrives and returns it.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) protocol.Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame within 20 frames", frameType)
	return protocol.Frame{}
}

func decodeFrame[T any](t *testing.T, frame protocol.Frame) T {
	t.Helper()
	var payload T
	if err := protocol.Decode(frame, &payload); err != nil {
		t.Fatalf("decode %s: %v", frame.Type, err)
	}
	return payload
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomID string) protocol.JoinedPayload {
	t.Helper()
	writeFrame(t, conn, protocol.TypeJoin, "join-"+roomID, protocol.JoinPayload{RoomID: roomID})
	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeJoined {
		t.Fatalf("frame = %s %s, want %s", frame.Type, frame.Payload, protocol.TypeJoined)
	}
	return decodeFrame[protocol.JoinedPayload](t, frame)
}

func seedMessages(t *testing.T, store storage.MessageStore, roomID string, bodies ...string) {
	t.Helper()
	for _, body := range bodies {
		if _, err := store.AppendMessage(context.Background(), roomID, "seed", body); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}
