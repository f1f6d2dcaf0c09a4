// Package client is the client side of chat: a session controller that
// merges history snapshots with the live push channel into one feed per
// displayed room, plus the HTTP and websocket transports it runs on.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "github.com/louisbranch/wayfarer/internal/platform/errors"
	"github.com/louisbranch/wayfarer/internal/platform/timeouts"
	"github.com/louisbranch/wayfarer/internal/services/chat/protocol"
)

// State is a step of the session state machine.
type State int

const (
	StateIdle State = iota
	StateFetchingHistory
	StateJoining
	StateLive
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingHistory:
		return "fetching_history"
	case StateJoining:
		return "joining"
	case StateLive:
		return "live"
	case StateLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// View is a snapshot of the session for rendering.
type View struct {
	State        State
	Target       Target
	RoomID       string
	Messages     []protocol.Message
	Reconnecting bool
	// Err blocks the room: nothing of it is shown until the target changes.
	Err error
}

// Ack is the server's acknowledgement of a sent message. The message itself
// arrives through the feed like any other.
type Ack struct {
	MessageID string
	Sequence  int64
}

// Config wires a Controller to its transports.
type Config struct {
	History        HistoryAPI
	Dialer         Dialer
	HistoryTimeout time.Duration
	JoinTimeout    time.Duration
	PingInterval   time.Duration
	// ResyncPages caps the history pages fetched to catch up after a
	// disconnect; the join replay covers anything beyond.
	ResyncPages int
	NewBackOff  func() backoff.BackOff
	Logf        func(string, ...any)
}

const (
	defaultResyncPages = 10
	maxRetryDelay      = 30 * time.Second
)

// ErrClosed is returned by calls on a closed controller.
var ErrClosed = errors.New("chat session closed")

// DefaultBackOff is the retry policy for redials, history fetches, and
// joins.
func DefaultBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	return policy
}

// Controller drives one display context. A single goroutine owns the session
// state; transports and timers report back to it through events tagged with
// the epoch or connection generation they belong to, and stale events are
// dropped on arrival.
type Controller struct {
	history        HistoryAPI
	dialer         Dialer
	historyTimeout time.Duration
	joinTimeout    time.Duration
	pingInterval   time.Duration
	resyncPages    int
	newBackOff     func() backoff.BackOff
	logf           func(string, ...any)

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan any
	done    chan struct{}
	updates chan View
	wg      sync.WaitGroup

	mu   sync.Mutex
	view View

	// Owned by the run loop.
	state        State
	target       Target
	roomID       string
	epoch        uint64
	feed         *Feed
	buffered     []protocol.Message
	blocked      error
	reconnecting bool
	retry        backoff.BackOff
	fetchCancel  context.CancelFunc
	dialCancel   context.CancelFunc
	dialing      bool
	conn         PushConn
	connGen      uint64
	joinRequest  string
	serverRoom   string
	requests     map[string]chan requestResult
	nextRequest  uint64
}

type targetEvent struct{ target Target }

type historyEvent struct {
	epoch    uint64
	roomID   string
	messages []protocol.Message
	err      error
}

type retryEvent struct{ epoch uint64 }

type joinTimeoutEvent struct {
	epoch     uint64
	requestID string
}

type dialedEvent struct {
	conn PushConn
	err  error
}

type frameEvent struct {
	gen   uint64
	frame protocol.Frame
}

type lostEvent struct {
	gen uint64
	err error
}

// requestEvent asks the loop to send a request frame. payload runs on the
// loop goroutine, so it may read controller state.
type requestEvent struct {
	frameType string
	payload   func() any
	reply     chan requestResult
}

type requestResult struct {
	frame protocol.Frame
	err   error
}

// New starts a controller in the Idle state.
func New(cfg Config) (*Controller, error) {
	if cfg.History == nil {
		return nil, errors.New("history api is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = timeouts.HistoryFetch
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = timeouts.Join
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = timeouts.Ping
	}
	if cfg.ResyncPages <= 0 {
		cfg.ResyncPages = defaultResyncPages
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = DefaultBackOff
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		history:        cfg.History,
		dialer:         cfg.Dialer,
		historyTimeout: cfg.HistoryTimeout,
		joinTimeout:    cfg.JoinTimeout,
		pingInterval:   cfg.PingInterval,
		resyncPages:    cfg.ResyncPages,
		newBackOff:     cfg.NewBackOff,
		logf:           cfg.Logf,
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan any, 64),
		done:           make(chan struct{}),
		updates:        make(chan View, 1),
		retry:          cfg.NewBackOff(),
		requests:       make(map[string]chan requestResult),
	}
	go c.run()
	return c, nil
}

// SetTarget switches the displayed room. The zero target tears the room
// down and returns to Idle.
func (c *Controller) SetTarget(target Target) {
	c.post(targetEvent{target: target})
}

// Send posts body to the live room and returns the server's ack. Nothing is
// added to the feed until the broadcast copy arrives.
func (c *Controller) Send(ctx context.Context, body string) (Ack, error) {
	frame, err := c.request(ctx, protocol.TypeSend, func() any {
		return protocol.SendPayload{Body: body}
	})
	if err != nil {
		return Ack{}, err
	}
	var ack protocol.AckPayload
	if err := protocol.Decode(frame, &ack); err != nil {
		return Ack{}, apperrors.Wrap(apperrors.CodeUnknown, "decode ack", err)
	}
	return Ack{MessageID: ack.MessageID, Sequence: ack.Sequence}, nil
}

// LoadOlder merges up to limit messages preceding the oldest one in the feed
// and returns how many the server sent and whether more remain.
func (c *Controller) LoadOlder(ctx context.Context, limit int) (int, bool, error) {
	if view := c.View(); len(view.Messages) > 0 && view.Messages[0].Sequence <= 1 {
		return 0, false, nil
	}
	frame, err := c.request(ctx, protocol.TypeHistoryBefore, func() any {
		before := int64(0)
		if c.feed != nil {
			before = c.feed.FirstSequence()
		}
		return protocol.HistoryBeforePayload{BeforeSequence: before, Limit: limit}
	})
	if err != nil {
		return 0, false, err
	}
	var page protocol.HistoryPayload
	if err := protocol.Decode(frame, &page); err != nil {
		return 0, false, apperrors.Wrap(apperrors.CodeUnknown, "decode history", err)
	}
	return len(page.Messages), page.HasMore, nil
}

// View returns the latest snapshot.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Updates delivers snapshots as they change. Only the latest unread snapshot
// is kept. The channel is closed by Close.
func (c *Controller) Updates() <-chan View {
	return c.updates
}

// Close tears the session down and waits for its goroutines.
func (c *Controller) Close() error {
	c.cancel()
	<-c.done
	c.wg.Wait()
	return nil
}

func (c *Controller) request(ctx context.Context, frameType string, payload func() any) (protocol.Frame, error) {
	reply := make(chan requestResult, 1)
	select {
	case c.events <- requestEvent{frameType: frameType, payload: payload, reply: reply}:
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-c.done:
		return protocol.Frame{}, ErrClosed
	}
	select {
	case res := <-reply:
		if res.err != nil {
			return protocol.Frame{}, res.err
		}
		if res.frame.Type == protocol.TypeError {
			return protocol.Frame{}, frameError(res.frame)
		}
		return res.frame, nil
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-c.done:
		return protocol.Frame{}, ErrClosed
	}
}

func (c *Controller) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Controller) run() {
	defer close(c.done)
	defer c.shutdown()
	c.publish()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.ping()
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) handle(ev any) {
	switch ev := ev.(type) {
	case targetEvent:
		c.onTarget(ev.target)
	case historyEvent:
		c.onHistory(ev)
	case retryEvent:
		if ev.epoch == c.epoch && c.blocked == nil && !c.target.IsZero() {
			c.startResync()
		}
	case joinTimeoutEvent:
		if ev.epoch == c.epoch && ev.requestID == c.joinRequest && c.state == StateJoining {
			c.connectionLost(fmt.Errorf("join not acknowledged within %s", c.joinTimeout))
		}
	case dialedEvent:
		c.onDialed(ev)
	case frameEvent:
		if ev.gen == c.connGen {
			c.onFrame(ev.frame)
		}
	case lostEvent:
		if ev.gen == c.connGen {
			c.connectionLost(ev.err)
		}
	case requestEvent:
		c.onRequest(ev)
	}
}

func (c *Controller) shutdown() {
	c.stopFetch()
	if c.dialCancel != nil {
		c.dialCancel()
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.failRequests(ErrClosed)
	close(c.updates)
}

func (c *Controller) onTarget(target Target) {
	target = Target{
		TripID:       strings.TrimSpace(target.TripID),
		ExperienceID: strings.TrimSpace(target.ExperienceID),
		RoomID:       strings.TrimSpace(target.RoomID),
	}
	if target == c.target && c.blocked == nil && c.state != StateIdle {
		return
	}
	c.leaveServerRoom()
	c.target = target
	c.roomID = target.RoomID
	c.feed = nil
	c.buffered = nil
	c.blocked = nil
	c.reconnecting = false
	c.retry.Reset()
	if target.IsZero() {
		c.epoch++
		c.stopFetch()
		c.state = StateIdle
		c.publish()
		return
	}
	c.startResync()
	c.ensureDialing()
}

// leaveServerRoom leaves the room joined, or being joined, on the server.
// A pending join is cancelled by the server; its late reply is stale.
func (c *Controller) leaveServerRoom() {
	room := c.serverRoom
	c.serverRoom = ""
	c.joinRequest = ""
	if room == "" || c.conn == nil {
		return
	}
	c.state = StateLeaving
	c.publish()
	frame := protocol.MustFrame(protocol.TypeLeave, c.newRequestID("leave"), protocol.LeavePayload{RoomID: room})
	if err := c.conn.Send(frame); err != nil {
		c.connectionLost(err)
	}
}

// startResync begins a new epoch: history is fetched for the current room
// and live messages are buffered until it lands.
func (c *Controller) startResync() {
	c.epoch++
	c.stopFetch()
	c.state = StateFetchingHistory
	c.buffered = nil
	c.joinRequest = ""

	after := int64(0)
	if c.feed != nil && c.feed.RoomID() == c.roomID {
		after = c.feed.LastSequence()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.fetchCancel = cancel
	epoch, target, roomID := c.epoch, c.target, c.roomID
	c.wg.Go(func() {
		c.fetch(ctx, epoch, target, roomID, after)
	})
	c.publish()
}

func (c *Controller) stopFetch() {
	if c.fetchCancel != nil {
		c.fetchCancel()
		c.fetchCancel = nil
	}
}

// fetch resolves the room when needed and loads history. A fresh feed gets
// the newest page; a resync pages forward from the feed's last sequence.
func (c *Controller) fetch(ctx context.Context, epoch uint64, target Target, roomID string, after int64) {
	ctx, cancel := context.WithTimeout(ctx, c.historyTimeout)
	defer cancel()

	ev := historyEvent{epoch: epoch, roomID: roomID}
	defer func() { c.post(ev) }()
	if ev.roomID == "" {
		if ev.roomID, ev.err = c.history.ResolveRoom(ctx, target); ev.err != nil {
			return
		}
	}
	if after == 0 {
		page, err := c.history.FetchHistory(ctx, ev.roomID, HistoryQuery{})
		ev.messages, ev.err = page.Messages, err
		return
	}
	for range c.resyncPages {
		page, err := c.history.FetchHistory(ctx, ev.roomID, HistoryQuery{After: after})
		if err != nil {
			ev.err = err
			return
		}
		ev.messages = append(ev.messages, page.Messages...)
		if !page.HasMore || len(page.Messages) == 0 {
			return
		}
		after = page.Messages[len(page.Messages)-1].Sequence
	}
}

func (c *Controller) onHistory(ev historyEvent) {
	if ev.epoch != c.epoch {
		return
	}
	c.stopFetch()
	if ev.err != nil {
		if blocking(ev.err) {
			c.block(ev.err)
			return
		}
		c.logf("chat: history fetch failed room=%q: %v", ev.roomID, ev.err)
		c.scheduleRetry()
		return
	}
	c.roomID = ev.roomID
	if c.feed == nil || c.feed.RoomID() != ev.roomID {
		c.feed = NewFeed(ev.roomID)
	}
	c.feed.Merge(ev.messages)
	c.feed.Merge(c.buffered)
	c.buffered = nil
	c.state = StateJoining
	c.publish()
	c.join()
}

func (c *Controller) join() {
	if c.state != StateJoining || c.joinRequest != "" {
		return
	}
	if c.conn == nil {
		c.ensureDialing()
		return
	}
	after := c.feed.LastSequence()
	requestID := c.newRequestID("join")
	frame := protocol.MustFrame(protocol.TypeJoin, requestID, protocol.JoinPayload{
		RoomID:        c.roomID,
		AfterSequence: &after,
	})
	if err := c.conn.Send(frame); err != nil {
		c.connectionLost(err)
		return
	}
	c.joinRequest = requestID
	c.serverRoom = c.roomID
	epoch := c.epoch
	time.AfterFunc(c.joinTimeout, func() {
		c.post(joinTimeoutEvent{epoch: epoch, requestID: requestID})
	})
}

func (c *Controller) block(err error) {
	c.leaveServerRoom()
	if c.dialCancel != nil {
		c.dialCancel()
	}
	c.blocked = err
	c.state = StateIdle
	c.feed = nil
	c.buffered = nil
	c.reconnecting = false
	c.publish()
}

func (c *Controller) scheduleRetry() {
	delay := c.retry.NextBackOff()
	if delay == backoff.Stop || delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	epoch := c.epoch
	time.AfterFunc(delay, func() {
		c.post(retryEvent{epoch: epoch})
	})
}

func (c *Controller) needsConn() bool {
	return !c.target.IsZero() && c.blocked == nil
}

func (c *Controller) ensureDialing() {
	if c.conn != nil || c.dialing || !c.needsConn() {
		return
	}
	c.dialing = true
	ctx, cancel := context.WithCancel(c.ctx)
	c.dialCancel = cancel
	c.wg.Go(func() {
		defer cancel()
		conn, err := backoff.Retry(ctx, func() (PushConn, error) {
			return c.dialer.Dial(ctx)
		},
			backoff.WithBackOff(c.newBackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logf("chat: dial failed (retry in %s): %v", next, err)
			}),
		)
		if err == nil && ctx.Err() != nil {
			_ = conn.Close()
			conn, err = nil, ctx.Err()
		}
		c.post(dialedEvent{conn: conn, err: err})
	})
}

func (c *Controller) onDialed(ev dialedEvent) {
	c.dialing = false
	c.dialCancel = nil
	if ev.err != nil {
		c.ensureDialing()
		return
	}
	c.connGen++
	c.conn = ev.conn
	gen, conn := c.connGen, ev.conn
	c.wg.Go(func() {
		for {
			frame, err := conn.Receive()
			if err != nil {
				c.post(lostEvent{gen: gen, err: err})
				return
			}
			c.post(frameEvent{gen: gen, frame: frame})
		}
	})
	c.join()
}

// connectionLost drops the push channel and resyncs the current room over a
// fresh one.
func (c *Controller) connectionLost(err error) {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.connGen++
	c.joinRequest = ""
	c.serverRoom = ""
	c.failRequests(apperrors.Wrap(apperrors.CodeConnectionLost, "push connection lost", err))
	if !c.needsConn() {
		c.publish()
		return
	}
	c.logf("chat: connection lost room=%q: %v", c.roomID, err)
	c.reconnecting = true
	c.startResync()
	c.ensureDialing()
}

func (c *Controller) onFrame(frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeJoined:
		if frame.RequestID == "" || frame.RequestID != c.joinRequest {
			return
		}
		c.joinRequest = ""
		var joined protocol.JoinedPayload
		if err := protocol.Decode(frame, &joined); err != nil {
			c.logf("chat: %v", err)
		}
		if joined.Truncated {
			// The replay stops short of the room head; page the rest over
			// history and join again.
			c.logf("chat: join replay truncated room=%q latest=%d; resyncing", c.roomID, joined.LatestSequence)
			c.startResync()
			return
		}
		c.state = StateLive
		c.reconnecting = false
		c.retry.Reset()
		c.publish()
	case protocol.TypeMessage:
		var payload protocol.MessagePayload
		if err := protocol.Decode(frame, &payload); err != nil {
			c.logf("chat: %v", err)
			return
		}
		c.onMessage(payload.Message)
	case protocol.TypeError:
		if frame.RequestID != "" && frame.RequestID == c.joinRequest {
			c.onJoinError(frameError(frame))
			return
		}
		if !c.resolveRequest(frame) {
			c.logf("chat: server error request=%q: %v", frame.RequestID, frameError(frame))
		}
	case protocol.TypeAck, protocol.TypeHistory:
		c.resolveRequest(frame)
	case protocol.TypeLeft, protocol.TypePong:
	default:
		c.logf("chat: ignoring frame type=%q", frame.Type)
	}
}

func (c *Controller) onMessage(msg protocol.Message) {
	if c.roomID == "" || msg.RoomID != c.roomID {
		return
	}
	switch c.state {
	case StateFetchingHistory:
		c.buffered = append(c.buffered, msg)
	case StateJoining, StateLive:
		added, gap := c.feed.Append(msg)
		if gap {
			// While joining, the replay that follows chat.joined fills it.
			if c.state == StateLive {
				c.logf("chat: sequence gap room=%q last=%d got=%d; resyncing", c.roomID, c.feed.LastSequence(), msg.Sequence)
				c.startResync()
				c.buffered = append(c.buffered, msg)
			}
			return
		}
		if added {
			c.publish()
		}
	}
}

func (c *Controller) onJoinError(err error) {
	c.joinRequest = ""
	if blocking(err) {
		c.block(err)
		return
	}
	c.logf("chat: join failed room=%q: %v", c.roomID, err)
	c.scheduleRetry()
}

func (c *Controller) onRequest(ev requestEvent) {
	if c.conn == nil || c.state != StateLive {
		code := apperrors.CodeNotInRoom
		if c.reconnecting {
			code = apperrors.CodeConnectionLost
		}
		ev.reply <- requestResult{err: apperrors.New(code, "session is not live")}
		return
	}
	requestID := c.newRequestID(strings.TrimPrefix(ev.frameType, "chat."))
	frame, err := protocol.NewFrame(ev.frameType, requestID, ev.payload())
	if err != nil {
		ev.reply <- requestResult{err: apperrors.Wrap(apperrors.CodeInvalidArgument, "build frame", err)}
		return
	}
	if err := c.conn.Send(frame); err != nil {
		ev.reply <- requestResult{err: apperrors.Wrap(apperrors.CodeConnectionLost, "send frame", err)}
		c.connectionLost(err)
		return
	}
	c.requests[requestID] = ev.reply
}

func (c *Controller) resolveRequest(frame protocol.Frame) bool {
	reply, ok := c.requests[frame.RequestID]
	if !ok {
		return false
	}
	delete(c.requests, frame.RequestID)
	if frame.Type == protocol.TypeHistory && c.feed != nil {
		var page protocol.HistoryPayload
		if err := protocol.Decode(frame, &page); err == nil && c.feed.Merge(page.Messages) > 0 {
			c.publish()
		}
	}
	reply <- requestResult{frame: frame}
	return true
}

func (c *Controller) failRequests(err error) {
	for id, reply := range c.requests {
		reply <- requestResult{err: err}
		delete(c.requests, id)
	}
}

func (c *Controller) ping() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Send(protocol.MustFrame(protocol.TypePing, "", nil)); err != nil {
		c.connectionLost(err)
	}
}

func (c *Controller) newRequestID(prefix string) string {
	c.nextRequest++
	return fmt.Sprintf("%s-%d", prefix, c.nextRequest)
}

func (c *Controller) publish() {
	view := View{
		State:        c.state,
		Target:       c.target,
		RoomID:       c.roomID,
		Reconnecting: c.reconnecting,
		Err:          c.blocked,
	}
	if c.feed != nil {
		view.Messages = c.feed.Messages()
	}
	c.mu.Lock()
	c.view = view
	c.mu.Unlock()

	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- view:
	default:
	}
}

// blocking reports errors that retrying cannot fix.
func blocking(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeAuthRequired, apperrors.CodeForbidden, apperrors.CodeRoomNotFound, apperrors.CodeInvalidArgument:
		return true
	default:
		return false
	}
}

func frameError(frame protocol.Frame) error {
	var payload protocol.ErrorPayload
	if err := protocol.Decode(frame, &payload); err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "decode error frame", err)
	}
	return apperrors.New(apperrors.Code(payload.Code), payload.Message)
}
