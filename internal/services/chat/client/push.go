package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/wayfarer/internal/platform/timeouts"
	"github.com/louisbranch/wayfarer/internal/services/chat/protocol"
)

// PushConn is one push channel. Send and Receive may be called from
// different goroutines; Close unblocks Receive.
type PushConn interface {
	Send(frame protocol.Frame) error
	Receive() (protocol.Frame, error)
	Close() error
}

// Dialer opens push channels. Each session owns the connections it dials.
type Dialer interface {
	Dial(ctx context.Context) (PushConn, error)
}

// WSDialer dials the chat server's websocket endpoint.
type WSDialer struct {
	url    string
	origin string
	header http.Header
	// ReadTimeout bounds the silence tolerated on a connection before
	// Receive fails; pongs keep a healthy connection talking.
	ReadTimeout time.Duration
}

// NewWSDialer returns a dialer for the /ws endpoint of the server at
// baseURL, authenticating with token.
func NewWSDialer(baseURL, token, locale string) (*WSDialer, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	origin := parsed.Scheme + "://" + parsed.Host
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	parsed = parsed.JoinPath("ws")

	header := make(http.Header)
	if token = strings.TrimSpace(token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if locale = strings.TrimSpace(locale); locale != "" {
		header.Set("Accept-Language", locale)
	}
	return &WSDialer{
		url:         parsed.String(),
		origin:      origin,
		header:      header,
		ReadTimeout: timeouts.Liveness,
	}, nil
}

// Dial opens a websocket. A rejected credential fails the handshake.
func (d *WSDialer) Dial(ctx context.Context) (PushConn, error) {
	cfg, err := websocket.NewConfig(d.url, d.origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	cfg.Header = d.header.Clone()
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	return &wsConn{ws: ws, readTimeout: d.ReadTimeout}, nil
}

type wsConn struct {
	ws          *websocket.Conn
	readTimeout time.Duration
	writeMu     sync.Mutex
}

func (c *wsConn) Send(frame protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeouts.Write))
	if err := websocket.JSON.Send(c.ws, frame); err != nil {
		return fmt.Errorf("send %s: %w", frame.Type, err)
	}
	return nil
}

func (c *wsConn) Receive() (protocol.Frame, error) {
	if c.readTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	var frame protocol.Frame
	if err := websocket.JSON.Receive(c.ws, &frame); err != nil {
		return protocol.Frame{}, err
	}
	return frame, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
