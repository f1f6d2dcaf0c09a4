// Package gateway owns live chat connections: it authenticates them, moves
// them between rooms, and turns sends into persisted, broadcast messages.
//
// Transports feed decoded frames to a Gateway and hand it a Sink for the
// frames it pushes back. A Sink must never block; one that cannot keep up is
// closed and its connection disconnected, and the client resyncs.
package gateway

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/wayfarer/internal/platform/errors"
	"github.com/louisbranch/wayfarer/internal/platform/id"
	platformotel "github.com/louisbranch/wayfarer/internal/platform/otel"
	"github.com/louisbranch/wayfarer/internal/platform/pagination"
	"github.com/louisbranch/wayfarer/internal/platform/timeouts"
	"github.com/louisbranch/wayfarer/internal/services/chat/directory"
	"github.com/louisbranch/wayfarer/internal/services/chat/hub"
	"github.com/louisbranch/wayfarer/internal/services/chat/identity"
	"github.com/louisbranch/wayfarer/internal/services/chat/protocol"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage"
)

const (
	// DefaultReplayLimit caps the messages replayed to a joining connection.
	DefaultReplayLimit = 500
	tracerName         = "github.com/louisbranch/wayfarer/internal/services/chat/gateway"
)

// DefaultHistoryPage bounds chat.history.before pages.
var DefaultHistoryPage = pagination.PageSizeConfig{Default: 50, Max: 200}

var errJoinCancelled = apperrors.New(apperrors.CodeJoinCancelled, "join cancelled")

// Sink receives frames pushed to one connection.
type Sink interface {
	// Deliver queues frame without blocking and reports whether it was
	// accepted.
	Deliver(frame protocol.Frame) bool
	// Close ends the transport. It must be safe to call more than once.
	Close()
}

// Config wires a Gateway to its collaborators.
type Config struct {
	Identity        identity.Provider
	Directory       directory.Directory
	Store           storage.MessageStore
	Observer        Observer
	LivenessTimeout time.Duration
	ReplayLimit     int
	HistoryPage     pagination.PageSizeConfig
	Now             func() time.Time
	Logf            func(string, ...any)
}

// Gateway tracks connections and routes their requests.
type Gateway struct {
	identity    identity.Provider
	directory   directory.Directory
	store       storage.MessageStore
	hub         *hub.Hub
	observer    Observer
	tracer      trace.Tracer
	liveness    time.Duration
	replayLimit int
	historyPage pagination.PageSizeConfig
	now         func() time.Time
	logf        func(string, ...any)

	mu    sync.Mutex
	conns map[string]*Connection
}

// Connection is one authenticated push channel.
type Connection struct {
	id        string
	principal identity.Principal
	sink      Sink

	// joinMu serializes the room moves of a connection. It is taken before
	// any hub lock.
	joinMu sync.Mutex

	mu       sync.Mutex
	roomID   string
	pending  *pendingJoin
	lastSeen time.Time
	closed   bool
}

type pendingJoin struct {
	roomID    string
	cancel    context.CancelFunc
	cancelled bool
}

// JoinOptions carries the optional parts of a join request.
type JoinOptions struct {
	RequestID string
	// AfterSequence, when set, asks for every stored message newer than it
	// to be replayed ahead of live delivery.
	AfterSequence *int64
}

// New returns a gateway. Identity, Directory, and Store are required.
func New(cfg Config) (*Gateway, error) {
	if cfg.Identity == nil {
		return nil, errors.New("identity is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("directory is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("message store is required")
	}
	g := &Gateway{
		identity:    cfg.Identity,
		directory:   cfg.Directory,
		store:       cfg.Store,
		observer:    cfg.Observer,
		tracer:      platformotel.Tracer(tracerName),
		liveness:    cfg.LivenessTimeout,
		replayLimit: cfg.ReplayLimit,
		historyPage: cfg.HistoryPage,
		now:         cfg.Now,
		logf:        cfg.Logf,
		conns:       make(map[string]*Connection),
	}
	if g.observer == nil {
		g.observer = nopObserver{}
	}
	if g.liveness <= 0 {
		g.liveness = timeouts.Liveness
	}
	if g.replayLimit <= 0 {
		g.replayLimit = DefaultReplayLimit
	}
	if g.historyPage.Max <= 0 {
		g.historyPage = DefaultHistoryPage
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logf == nil {
		g.logf = log.Printf
	}
	g.hub = hub.New(g.dropSlowConsumer)
	return g, nil
}

// ID returns the connection id.
func (c *Connection) ID() string {
	return c.id
}

// UserID returns the authenticated user.
func (c *Connection) UserID() string {
	return c.principal.UserID
}

// RoomID returns the room the connection is live in, or "".
func (c *Connection) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// sendRoom returns the room a message may be sent to: the live room, unless
// a join to another room is pending.
func (c *Connection) sendRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return ""
	}
	return c.roomID
}

// Deliver pushes a broadcast message to the connection's sink.
func (c *Connection) Deliver(msg storage.Message) bool {
	return c.sink.Deliver(protocol.MustFrame(protocol.TypeMessage, "", protocol.MessagePayload{
		Message: protocol.FromStorage(msg),
	}))
}

// Connect authenticates credential and registers a connection with no room.
func (g *Gateway) Connect(ctx context.Context, credential string, sink Sink) (*Connection, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	principal, err := g.identity.Authenticate(ctx, credential)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthenticated) {
			return nil, apperrors.Wrap(apperrors.CodeAuthRequired, "authenticate connection", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "authenticate connection", err)
	}
	connID, err := id.NewPrefixedID("conn_")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "allocate connection id", err)
	}
	conn := &Connection{
		id:        connID,
		principal: principal,
		sink:      sink,
		lastSeen:  g.now(),
	}
	g.mu.Lock()
	g.conns[connID] = conn
	g.mu.Unlock()
	g.observer.ConnectionOpened()
	return conn, nil
}

// Join moves the connection into roomID. Only one join may be outstanding
// per connection; a Leave of the same room cancels it. On success the
// connection has been sent chat.joined and, when opts.AfterSequence is set,
// every stored message after it, ahead of any later live message. A join
// that fails after the move began leaves the connection in no room.
func (g *Gateway) Join(ctx context.Context, connID, roomID string, opts JoinOptions) error {
	req, err := g.BeginJoin(ctx, connID, roomID, opts)
	if err != nil {
		return err
	}
	return req.Run()
}

// JoinRequest is a registered join that has not run yet.
type JoinRequest struct {
	g       *Gateway
	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	conn    *Connection
	roomID  string
	opts    JoinOptions
	pending *pendingJoin
}

// BeginJoin registers a pending join without blocking, so frames read after
// it observe the join (a Leave cancels it, a Send is rejected). Run must be
// called exactly once on the returned request.
func (g *Gateway) BeginJoin(ctx context.Context, connID, roomID string, opts JoinOptions) (*JoinRequest, error) {
	conn := g.connection(connID)
	if conn == nil {
		return nil, apperrors.New(apperrors.CodeConnectionLost, "connection not found")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "room id is required")
	}

	ctx, span := g.tracer.Start(ctx, "chat.join", trace.WithAttributes(
		attribute.String("chat.room_id", roomID),
		attribute.String("chat.connection_id", connID),
	))
	joinCtx, cancel := context.WithTimeout(ctx, timeouts.Join)

	conn.mu.Lock()
	var err error
	switch {
	case conn.closed:
		err = apperrors.New(apperrors.CodeConnectionLost, "connection closed")
	case conn.pending != nil:
		err = apperrors.WithMetadata(apperrors.CodeJoinPending, "join already pending", map[string]string{
			"RoomID": conn.pending.roomID,
		})
	}
	if err != nil {
		conn.mu.Unlock()
		cancel()
		g.joinFailed(span, connID, roomID, err)
		span.End()
		return nil, err
	}
	pending := &pendingJoin{roomID: roomID, cancel: cancel}
	conn.pending = pending
	conn.mu.Unlock()

	return &JoinRequest{
		g:       g,
		ctx:     joinCtx,
		cancel:  cancel,
		span:    span,
		conn:    conn,
		roomID:  roomID,
		opts:    opts,
		pending: pending,
	}, nil
}

// Run resolves, authorizes, and subscribes the connection.
func (r *JoinRequest) Run() error {
	defer r.span.End()
	defer r.cancel()
	defer r.conn.clearPending(r.pending)

	err := r.g.join(r.ctx, r.conn, r.roomID, r.opts, r.pending)
	if err != nil {
		r.g.joinFailed(r.span, r.conn.id, r.roomID, err)
	}
	return err
}

func (g *Gateway) joinFailed(span trace.Span, connID, roomID string, err error) {
	code := apperrors.CodeOf(err)
	g.observer.JoinFailed(code)
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, string(code))
	if code == apperrors.CodeUnavailable || code == apperrors.CodePersistenceFailed {
		g.logf("chat: join failed conn=%q room=%q: %v", connID, roomID, err)
	}
}

func (g *Gateway) join(ctx context.Context, conn *Connection, roomID string, opts JoinOptions, pending *pendingJoin) error {
	if err := g.directory.LookupRoom(ctx, roomID); err != nil {
		if pending.wasCancelled(conn) {
			return errJoinCancelled
		}
		if errors.Is(err, directory.ErrNotFound) {
			return apperrors.Wrap(apperrors.CodeRoomNotFound, "lookup room", err)
		}
		return apperrors.Wrap(apperrors.CodeUnavailable, "lookup room", err)
	}
	if err := g.identity.AuthorizeRoom(ctx, conn.principal, roomID); err != nil {
		if pending.wasCancelled(conn) {
			return errJoinCancelled
		}
		if errors.Is(err, identity.ErrForbidden) {
			return apperrors.Wrap(apperrors.CodeForbidden, "authorize room", err)
		}
		return apperrors.Wrap(apperrors.CodeUnavailable, "authorize room", err)
	}

	conn.joinMu.Lock()
	defer conn.joinMu.Unlock()
	if pending.wasCancelled(conn) {
		return errJoinCancelled
	}
	err := g.hub.Subscribe(roomID, conn, func() error {
		conn.mu.Lock()
		if conn.closed || conn.pending != pending || pending.cancelled {
			conn.roomID = ""
			conn.mu.Unlock()
			return errJoinCancelled
		}
		conn.mu.Unlock()

		if err := g.sendJoined(ctx, conn, roomID, opts); err != nil {
			conn.mu.Lock()
			conn.roomID = ""
			conn.mu.Unlock()
			return err
		}

		conn.mu.Lock()
		conn.roomID = roomID
		conn.pending = nil
		conn.mu.Unlock()
		return nil
	})
	if errors.Is(err, errSinkFull) {
		g.dropConnection(conn, roomID)
		return apperrors.Wrap(apperrors.CodeConnectionLost, "deliver join", err)
	}
	return err
}

var errSinkFull = errors.New("sink is full")

// sendJoined acknowledges a join and replays missed messages. It runs under
// the room lock, so no broadcast can interleave.
func (g *Gateway) sendJoined(ctx context.Context, conn *Connection, roomID string, opts JoinOptions) error {
	latest, err := g.store.LatestSequence(ctx, roomID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodePersistenceFailed, "read latest sequence", err)
	}
	var replay storage.Page
	if opts.AfterSequence != nil && *opts.AfterSequence < latest {
		replay, err = g.store.ListMessages(ctx, storage.Query{
			RoomID:  roomID,
			After:   max(*opts.AfterSequence, 0),
			Forward: true,
			Limit:   g.replayLimit,
		})
		if err != nil {
			return apperrors.Wrap(apperrors.CodePersistenceFailed, "replay messages", err)
		}
	}

	joined := protocol.MustFrame(protocol.TypeJoined, opts.RequestID, protocol.JoinedPayload{
		RoomID:         roomID,
		LatestSequence: latest,
		Replayed:       len(replay.Messages),
		Truncated:      replay.HasMore,
		ServerTime:     g.now().UTC(),
	})
	if !conn.sink.Deliver(joined) {
		return errSinkFull
	}
	for _, msg := range replay.Messages {
		if !conn.Deliver(msg) {
			return errSinkFull
		}
	}
	return nil
}

// Leave takes the connection out of roomID and cancels a pending join of
// it. Leaving a room the connection is not in is a no-op.
func (g *Gateway) Leave(_ context.Context, connID, roomID string) error {
	conn := g.connection(connID)
	if conn == nil {
		return apperrors.New(apperrors.CodeConnectionLost, "connection not found")
	}
	roomID = strings.TrimSpace(roomID)

	conn.mu.Lock()
	if p := conn.pending; p != nil && p.roomID == roomID {
		p.cancelled = true
		p.cancel()
		conn.pending = nil
	}
	live := conn.roomID != "" && conn.roomID == roomID
	if live {
		conn.roomID = ""
	}
	conn.mu.Unlock()

	if live {
		g.hub.Unsubscribe(roomID, connID)
	}
	return nil
}

// Send persists body as a message in the connection's room and broadcasts
// it to every subscriber, the sender included. Nothing is broadcast when
// persistence fails.
func (g *Gateway) Send(ctx context.Context, connID, body string) (storage.Message, error) {
	conn := g.connection(connID)
	if conn == nil {
		return storage.Message{}, apperrors.New(apperrors.CodeConnectionLost, "connection not found")
	}
	roomID := conn.sendRoom()

	ctx, span := g.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("chat.room_id", roomID),
		attribute.String("chat.connection_id", connID),
	))
	defer span.End()

	msg, err := g.send(ctx, conn, roomID, body)
	if err != nil {
		code := apperrors.CodeOf(err)
		g.observer.SendFailed(code)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(code))
		if code == apperrors.CodePersistenceFailed {
			g.logf("chat: persist message failed conn=%q room=%q: %v", connID, roomID, err)
		}
		return storage.Message{}, err
	}
	span.SetAttributes(attribute.Int64("chat.sequence", msg.Sequence))
	return msg, nil
}

func (g *Gateway) send(ctx context.Context, conn *Connection, roomID, body string) (storage.Message, error) {
	body, err := storage.NormalizeBody(body)
	if err != nil {
		return storage.Message{}, validationError(err)
	}
	if roomID == "" {
		return storage.Message{}, apperrors.New(apperrors.CodeNotInRoom, "connection is not in a room")
	}

	msg, delivered, err := g.hub.Publish(roomID, func() (storage.Message, error) {
		if conn.sendRoom() != roomID {
			return storage.Message{}, apperrors.New(apperrors.CodeNotInRoom, "connection left the room")
		}
		stored, err := g.store.AppendMessage(ctx, roomID, conn.principal.UserID, body)
		if err != nil {
			return storage.Message{}, apperrors.Wrap(apperrors.CodePersistenceFailed, "append message", err)
		}
		return stored, nil
	})
	if err != nil {
		return storage.Message{}, err
	}
	g.observer.MessagePersisted()
	g.observer.Delivered(delivered)
	return msg, nil
}

// HistoryBefore returns the page of the connection's room that precedes
// beforeSequence, or the newest page when beforeSequence is not positive.
func (g *Gateway) HistoryBefore(ctx context.Context, connID string, beforeSequence int64, limit int) (storage.Page, error) {
	conn := g.connection(connID)
	if conn == nil {
		return storage.Page{}, apperrors.New(apperrors.CodeConnectionLost, "connection not found")
	}
	roomID := conn.RoomID()
	if roomID == "" {
		return storage.Page{}, apperrors.New(apperrors.CodeNotInRoom, "connection is not in a room")
	}
	page, err := g.store.ListMessages(ctx, storage.Query{
		RoomID: roomID,
		Before: beforeSequence,
		Limit:  pagination.ClampPageSize(limit, g.historyPage),
	})
	if err != nil {
		return storage.Page{}, apperrors.Wrap(apperrors.CodePersistenceFailed, "list messages", err)
	}
	return page, nil
}

// Touch records activity on a connection.
func (g *Gateway) Touch(connID string) {
	conn := g.connection(connID)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	conn.lastSeen = g.now()
	conn.mu.Unlock()
}

// Disconnect forgets a connection, removing it from its room and cancelling
// any pending join. It is safe to call more than once.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	conn, ok := g.conns[connID]
	delete(g.conns, connID)
	g.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	conn.closed = true
	conn.roomID = ""
	if p := conn.pending; p != nil && !p.cancelled {
		p.cancelled = true
		p.cancel()
	}
	conn.mu.Unlock()

	g.hub.Remove(connID)
	conn.sink.Close()
	g.observer.ConnectionClosed()
}

// SweepIdle disconnects connections with no activity within the liveness
// timeout as of now and returns their ids.
func (g *Gateway) SweepIdle(now time.Time) []string {
	g.mu.Lock()
	candidates := make([]*Connection, 0, len(g.conns))
	for _, conn := range g.conns {
		candidates = append(candidates, conn)
	}
	g.mu.Unlock()

	var idle []string
	for _, conn := range candidates {
		conn.mu.Lock()
		expired := now.Sub(conn.lastSeen) > g.liveness
		conn.mu.Unlock()
		if expired {
			idle = append(idle, conn.id)
		}
	}
	sort.Strings(idle)
	for _, connID := range idle {
		g.logf("chat: liveness timeout conn=%q", connID)
		g.Disconnect(connID)
	}
	return idle
}

// Run sweeps idle connections until ctx ends.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(max(g.liveness/3, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.SweepIdle(g.now())
		}
	}
}

// Close disconnects every connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.conns))
	for connID := range g.conns {
		ids = append(ids, connID)
	}
	g.mu.Unlock()
	for _, connID := range ids {
		g.Disconnect(connID)
	}
}

// ConnectionCount returns the number of registered connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Members returns the connection ids subscribed to roomID.
func (g *Gateway) Members(roomID string) []string {
	return g.hub.Subscribers(roomID)
}

// RoomCount returns the number of rooms with live members.
func (g *Gateway) RoomCount() int {
	return g.hub.RoomCount()
}

func (g *Gateway) connection(connID string) *Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[connID]
}

func (g *Gateway) dropSlowConsumer(sub hub.Subscriber, roomID string) {
	g.observer.DeliveryDropped()
	g.logf("chat: slow consumer dropped conn=%q room=%q", sub.ID(), roomID)
	g.Disconnect(sub.ID())
}

func (g *Gateway) dropConnection(conn *Connection, roomID string) {
	g.observer.DeliveryDropped()
	g.logf("chat: slow consumer dropped conn=%q room=%q", conn.id, roomID)
	g.Disconnect(conn.id)
}

func (c *Connection) clearPending(p *pendingJoin) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
}

func (p *pendingJoin) wasCancelled(conn *Connection) bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return p.cancelled
}

func validationError(err error) error {
	reason := "empty"
	if errors.Is(err, storage.ErrBodyTooLong) {
		reason = "too_long"
	}
	return apperrors.WrapWithMetadata(apperrors.CodeValidationFailed, "validate message body", map[string]string{
		"Field": "body",
		"Rule":  reason,
	}, err)
}
