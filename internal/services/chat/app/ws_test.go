package server

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/louisbranch/wayfarer/internal/services/chat/protocol"
)

func TestWSRequiresCredential(t *testing.T) {
	app := newTestApp(t)
	if _, err := dialWSWithServerURL(app.server.URL, "/ws", ""); err == nil {
		t.Fatal("expected dial without credential to fail")
	}
	if _, err := dialWSWithServerURL(app.server.URL, "/ws", "not-a-grant"); err == nil {
		t.Fatal("expected dial with bad credential to fail")
	}
}

func TestWSAcceptsQueryToken(t *testing.T) {
	app := newTestApp(t)
	conn, err := websocket.Dial("ws"+strings.TrimPrefix(app.server.URL, "http")+"/ws?access_token="+app.token(t, "alice"), "", app.server.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	writeFrame(t, conn, protocol.TypePing, "p1", nil)
	frame := readFrame(t, conn)
	if frame.Type != protocol.TypePong || frame.RequestID != "p1" {
		t.Fatalf("frame = %+v, want pong p1", frame)
	}
}

func TestWSTwoRoomScenario(t *testing.T) {
	app := newTestApp(t)
	c1 := app.dial(t, "alice")
	c2 := app.dial(t, "bob")
	joinRoom(t, c1, "trip-42")
	joinRoom(t, c2, "trip-42")

	writeFrame(t, c1, protocol.TypeSend, "s1", protocol.SendPayload{Body: "hello"})
	for name, conn := range map[string]*websocket.Conn{"c1": c1, "c2": c2} {
		msg := decodeFrame[protocol.MessagePayload](t, readUntil(t, conn, protocol.TypeMessage)).Message
		if msg.Body != "hello" || msg.Sequence != 1 || msg.SenderID != "alice" || msg.RoomID != "trip-42" {
			t.Fatalf("%s message = %+v", name, msg)
		}
	}
	ack := readUntil(t, c1, protocol.TypeAck)
	if ack.RequestID != "s1" {
		t.Fatalf("ack request id = %q, want s1", ack.RequestID)
	}
	if got := decodeFrame[protocol.AckPayload](t, ack); got.Sequence != 1 || got.MessageID == "" {
		t.Fatalf("ack = %+v", got)
	}

	writeFrame(t, c2, protocol.TypeLeave, "l1", protocol.LeavePayload{RoomID: "trip-42"})
	left := readFrame(t, c2)
	if left.Type != protocol.TypeLeft || decodeFrame[protocol.LeftPayload](t, left).RoomID != "trip-42" {
		t.Fatalf("frame = %+v, want left trip-42", left)
	}
	joinRoom(t, c2, "trip-43")

	writeFrame(t, c1, protocol.TypeSend, "s2", protocol.SendPayload{Body: "still here"})
	msg := decodeFrame[protocol.MessagePayload](t, readUntil(t, c1, protocol.TypeMessage)).Message
	if msg.Body != "still here" || msg.Sequence != 2 {
		t.Fatalf("c1 message = %+v", msg)
	}
	readUntil(t, c1, protocol.TypeAck)

	writeFrame(t, c2, protocol.TypePing, "p", nil)
	if frame := readFrame(t, c2); frame.Type != protocol.TypePong {
		t.Fatalf("c2 frame = %s %s, want only pong", frame.Type, frame.Payload)
	}

	resp := app.get(t, "/v1/rooms/trip-42/messages", app.token(t, "carol"), "")
	var body protocol.HistoryResponse
	decodeBody(t, resp, &body)
	if len(body.Messages) != 2 || body.Messages[0].Body != "hello" || body.Messages[1].Body != "still here" {
		t.Fatalf("history = %+v", body.Messages)
	}
}

func TestWSSendBeforeJoin(t *testing.T) {
	app := newTestApp(t)
	conn := app.dial(t, "alice")
	writeFrame(t, conn, protocol.TypeSend, "s1", protocol.SendPayload{Body: "hi"})
	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeError || frame.RequestID != "s1" {
		t.Fatalf("frame = %+v, want error s1", frame)
	}
	payload := decodeFrame[protocol.ErrorPayload](t, frame)
	if payload.Code != "NOT_IN_ROOM" || payload.Retryable || payload.Message == "" {
		t.Fatalf("error = %+v", payload)
	}
}

func TestWSRejectsEmptyBody(t *testing.T) {
	app := newTestApp(t)
	conn := app.dial(t, "alice")
	joinRoom(t, conn, "trip-42")
	writeFrame(t, conn, protocol.TypeSend, "s1", protocol.SendPayload{Body: "   "})
	payload := decodeFrame[protocol.ErrorPayload](t, readUntil(t, conn, protocol.TypeError))
	if payload.Code != "VALIDATION_FAILED" || payload.Message != "Messages cannot be empty." {
		t.Fatalf("error = %+v", payload)
	}
}

func TestWSJoinErrors(t *testing.T) {
	app := newTestApp(t)
	conn := app.dial(t, "alice")

	writeFrame(t, conn, protocol.TypeJoin, "j1", protocol.JoinPayload{RoomID: "trip-unknown"})
	payload := decodeFrame[protocol.ErrorPayload](t, readUntil(t, conn, protocol.TypeError))
	if payload.Code != "ROOM_NOT_FOUND" {
		t.Fatalf("code = %q, want ROOM_NOT_FOUND", payload.Code)
	}

	writeFrame(t, conn, protocol.TypeJoin, "j2", protocol.JoinPayload{RoomID: "trip-secret"})
	payload = decodeFrame[protocol.ErrorPayload](t, readUntil(t, conn, protocol.TypeError))
	if payload.Code != "FORBIDDEN" {
		t.Fatalf("code = %q, want FORBIDDEN", payload.Code)
	}
}

func TestWSJoinReplaysMissedMessages(t *testing.T) {
	app := newTestApp(t)
	seedMessages(t, app.store, "trip-42", "one", "two", "three")
	conn := app.dial(t, "alice")

	after := int64(1)
	writeFrame(t, conn, protocol.TypeJoin, "j1", protocol.JoinPayload{RoomID: "trip-42", AfterSequence: &after})
	joined := decodeFrame[protocol.JoinedPayload](t, readFrame(t, conn))
	if joined.LatestSequence != 3 || joined.Replayed != 2 {
		t.Fatalf("joined = %+v", joined)
	}
	for _, want := range []int64{2, 3} {
		msg := decodeFrame[protocol.MessagePayload](t, readFrame(t, conn)).Message
		if msg.Sequence != want {
			t.Fatalf("replayed sequence = %d, want %d", msg.Sequence, want)
		}
	}
}

func TestWSHistoryBefore(t *testing.T) {
	app := newTestApp(t)
	seedMessages(t, app.store, "trip-42", "a", "b", "c", "d")
	conn := app.dial(t, "alice")
	joinRoom(t, conn, "trip-42")

	writeFrame(t, conn, protocol.TypeHistoryBefore, "h1", protocol.HistoryBeforePayload{BeforeSequence: 4, Limit: 2})
	frame := readUntil(t, conn, protocol.TypeHistory)
	if frame.RequestID != "h1" {
		t.Fatalf("request id = %q, want h1", frame.RequestID)
	}
	page := decodeFrame[protocol.HistoryPayload](t, frame)
	if len(page.Messages) != 2 || page.Messages[0].Body != "b" || page.Messages[1].Body != "c" || !page.HasMore {
		t.Fatalf("page = %+v", page)
	}
}

func TestWSLocalizesErrors(t *testing.T) {
	app := newTestApp(t)
	cfg, err := websocket.NewConfig("ws"+strings.TrimPrefix(app.server.URL, "http")+"/ws", app.server.URL)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Header.Set("Authorization", "Bearer "+app.token(t, "alice"))
	cfg.Header.Set("Accept-Language", "pt-BR,pt;q=0.9")
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	writeFrame(t, conn, protocol.TypeSend, "s1", protocol.SendPayload{Body: "oi"})
	payload := decodeFrame[protocol.ErrorPayload](t, readFrame(t, conn))
	if payload.Message != "Entre em um chat antes de enviar mensagens." {
		t.Fatalf("message = %q", payload.Message)
	}
}

func TestWSUnsupportedFrameType(t *testing.T) {
	app := newTestApp(t)
	conn := app.dial(t, "alice")
	writeFrame(t, conn, "chat.dance", "d1", nil)
	payload := decodeFrame[protocol.ErrorPayload](t, readFrame(t, conn))
	if payload.Code != "INVALID_ARGUMENT" {
		t.Fatalf("code = %q, want INVALID_ARGUMENT", payload.Code)
	}
}

func TestWSClosesAfterRepeatedDecodeErrors(t *testing.T) {
	app := newTestApp(t)
	conn := app.dial(t, "alice")
	for i := 0; i < maxDecodeErrorsPerConn; i++ {
		if err := websocket.Message.Send(conn, "{not json"); err != nil {
			break
		}
	}

	// The last error frame may race the close, so read until the socket ends.
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i <= maxDecodeErrorsPerConn; i++ {
		var frame protocol.Frame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("receive timed out, want closed connection")
			}
			return
		}
		if frame.Type != protocol.TypeError {
			t.Fatalf("frame = %+v, want error", frame)
		}
	}
	t.Fatal("expected connection to close after repeated decode errors")
}

func TestWSDisconnectCleansUpMembership(t *testing.T) {
	app := newTestApp(t)
	conn := app.dial(t, "alice")
	joinRoom(t, conn, "trip-42")
	if got := len(app.gateway.Members("trip-42")); got != 1 {
		t.Fatalf("members = %d, want 1", got)
	}
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for app.gateway.ConnectionCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection not cleaned up after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(app.gateway.Members("trip-42")); got != 0 {
		t.Fatalf("members = %d, want 0", got)
	}
	if got := testutil.ToFloat64(app.metrics.ConnectionsOpen); got != 0 {
		t.Fatalf("open connections gauge = %v, want 0", got)
	}
}
