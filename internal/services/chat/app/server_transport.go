package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/louisbranch/wayfarer/internal/platform/errors"
	"github.com/louisbranch/wayfarer/internal/platform/errors/i18n"
	"github.com/louisbranch/wayfarer/internal/platform/requestctx"
	"github.com/louisbranch/wayfarer/internal/platform/timeouts"
	"github.com/louisbranch/wayfarer/internal/services/chat/gateway"
	"github.com/louisbranch/wayfarer/internal/services/chat/protocol"
)

const (
	tokenCookieName = "wayfarer_token"
	tokenQueryParam = "access_token"

	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
	peerQueueSize          = 256
)

type wsConnContextKey struct{}

type wsSession struct {
	conn   *gateway.Connection
	peer   *wsPeer
	locale string
}

// wsPeer is the gateway sink for one websocket. Frames are queued and
// written by a single goroutine so Deliver never blocks.
type wsPeer struct {
	mu     sync.Mutex
	queue  chan protocol.Frame
	done   chan struct{}
	closed bool
	ws     *websocket.Conn
}

func newWSPeer() *wsPeer {
	return &wsPeer{
		queue: make(chan protocol.Frame, peerQueueSize),
		done:  make(chan struct{}),
	}
}

func (p *wsPeer) Deliver(frame protocol.Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- frame:
		return true
	default:
		return false
	}
}

func (p *wsPeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	if p.ws != nil {
		_ = p.ws.Close()
	}
}

// attach binds the upgraded socket and starts the writer.
func (p *wsPeer) attach(ws *websocket.Conn) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.ws = ws
	p.mu.Unlock()
	go p.writeLoop(ws)
	return true
}

func (p *wsPeer) writeLoop(ws *websocket.Conn) {
	encoder := json.NewEncoder(ws)
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.queue:
			_ = ws.SetWriteDeadline(time.Now().Add(timeouts.Write))
			if err := encoder.Encode(frame); err != nil {
				p.Close()
				return
			}
		}
	}
}

func (s *wsSession) reply(frame protocol.Frame) {
	if !s.peer.Deliver(frame) {
		s.peer.Close()
	}
}

func (s *wsSession) replyError(requestID string, err error) {
	code := apperrors.CodeOf(err)
	message := i18n.GetCatalog(s.locale).Format(string(code), apperrors.MetadataOf(err))
	s.reply(protocol.ErrorFrame(requestID, code, message))
}

func (s *wsSession) replyCode(requestID string, code apperrors.Code) {
	s.replyError(requestID, apperrors.New(code, string(code)))
}

func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	accessToken := accessTokenFromRequest(r, true)
	if accessToken == "" {
		h.logf("chat: websocket unauthorized: missing credential host=%q remote=%s", r.Host, r.RemoteAddr)
		h.writeError(w, r, apperrors.New(apperrors.CodeAuthRequired, "missing credential"))
		return
	}

	peer := newWSPeer()
	conn, err := h.gateway.Connect(r.Context(), accessToken, peer)
	if err != nil {
		h.logf("chat: websocket unauthorized host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
		h.writeError(w, r, err)
		return
	}
	defer h.gateway.Disconnect(conn.ID())

	session := &wsSession{
		conn:   conn,
		peer:   peer,
		locale: i18n.ResolveLocale(r.Header.Get("Accept-Language")),
	}
	ctx := context.WithValue(r.Context(), wsConnContextKey{}, session)
	ctx = requestctx.WithUserID(ctx, conn.UserID())
	ctx = requestctx.WithLocale(ctx, session.locale)
	websocket.Server{Handler: h.handleWSConn}.ServeHTTP(w, r.WithContext(ctx))
}

func (h *handler) handleWSConn(ws *websocket.Conn) {
	defer func() {
		_ = ws.Close()
	}()
	session, ok := ws.Request().Context().Value(wsConnContextKey{}).(*wsSession)
	if !ok || !session.peer.attach(ws) {
		return
	}
	ws.MaxPayloadBytes = 2 * protocol.MaxFramePayloadBytes

	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(maxFramesPerSecond), maxFramesPerSecond)
	decodeErrors := 0
	for {
		_ = ws.SetReadDeadline(time.Now().Add(h.livenessTimeout))
		var data []byte
		if err := websocket.Message.Receive(ws, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				session.replyError("", apperrors.New(apperrors.CodeInvalidArgument, "frame too large"))
				continue
			}
			if !errors.Is(err, io.EOF) {
				h.logf("chat: connection lost conn=%q: %v", session.conn.ID(), err)
			}
			return
		}
		h.gateway.Touch(session.conn.ID())

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			decodeErrors++
			session.replyCode("", apperrors.CodeInvalidArgument)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > protocol.MaxFramePayloadBytes {
			session.replyCode(frame.RequestID, apperrors.CodeInvalidArgument)
			continue
		}
		if !limiter.Allow() {
			if h.metrics != nil {
				h.metrics.RateLimited()
			}
			session.replyCode(frame.RequestID, apperrors.CodeRateLimited)
			return
		}
		h.dispatch(ctx, session, frame)
	}
}

func (h *handler) dispatch(ctx context.Context, session *wsSession, frame protocol.Frame) {
	connID := session.conn.ID()
	switch frame.Type {
	case protocol.TypeJoin:
		var payload protocol.JoinPayload
		if err := protocol.Decode(frame, &payload); err != nil {
			session.replyCode(frame.RequestID, apperrors.CodeInvalidArgument)
			return
		}
		req, err := h.gateway.BeginJoin(ctx, connID, payload.RoomID, gateway.JoinOptions{
			RequestID:     frame.RequestID,
			AfterSequence: payload.AfterSequence,
		})
		if err != nil {
			session.replyError(frame.RequestID, err)
			return
		}
		// The join is registered before the next frame is read; it runs
		// beside the read loop so a leave can cancel it.
		go func() {
			if err := req.Run(); err != nil {
				session.replyError(frame.RequestID, err)
			}
		}()
	case protocol.TypeLeave:
		var payload protocol.LeavePayload
		if err := protocol.Decode(frame, &payload); err != nil {
			session.replyCode(frame.RequestID, apperrors.CodeInvalidArgument)
			return
		}
		if err := h.gateway.Leave(ctx, connID, payload.RoomID); err != nil {
			session.replyError(frame.RequestID, err)
			return
		}
		session.reply(protocol.MustFrame(protocol.TypeLeft, frame.RequestID, protocol.LeftPayload{
			RoomID: strings.TrimSpace(payload.RoomID),
		}))
	case protocol.TypeSend:
		var payload protocol.SendPayload
		if err := protocol.Decode(frame, &payload); err != nil {
			session.replyCode(frame.RequestID, apperrors.CodeInvalidArgument)
			return
		}
		msg, err := h.gateway.Send(ctx, connID, payload.Body)
		if err != nil {
			session.replyError(frame.RequestID, err)
			return
		}
		session.reply(protocol.MustFrame(protocol.TypeAck, frame.RequestID, protocol.AckPayload{
			MessageID: msg.ID,
			Sequence:  msg.Sequence,
		}))
	case protocol.TypeHistoryBefore:
		var payload protocol.HistoryBeforePayload
		if err := protocol.Decode(frame, &payload); err != nil || payload.BeforeSequence < 0 {
			session.replyCode(frame.RequestID, apperrors.CodeInvalidArgument)
			return
		}
		page, err := h.gateway.HistoryBefore(ctx, connID, payload.BeforeSequence, payload.Limit)
		if err != nil {
			session.replyError(frame.RequestID, err)
			return
		}
		session.reply(protocol.MustFrame(protocol.TypeHistory, frame.RequestID, protocol.HistoryPayload{
			Messages: protocol.FromStoragePage(page.Messages),
			HasMore:  page.HasMore,
		}))
	case protocol.TypePing:
		session.reply(protocol.MustFrame(protocol.TypePong, frame.RequestID, nil))
	default:
		session.replyCode(frame.RequestID, apperrors.CodeInvalidArgument)
	}
}

// accessTokenFromRequest reads the bearer credential from the Authorization
// header, the token cookie, or, for websocket upgrades where browsers cannot
// set headers, the access_token query parameter.
func accessTokenFromRequest(r *http.Request, allowQuery bool) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token
		}
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
	}
	return ""
}

func defaultLogf(format string, args ...any) {
	log.Printf(format, args...)
}
