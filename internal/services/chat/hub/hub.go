// Package hub is the room multiplexer: an in-memory registry of which
// subscribers are in which room, and the fan-out of persisted messages to
// them.
//
// Each room has its own lock; membership changes and broadcasts for one room
// are serialized on it while different rooms proceed in parallel. A
// subscriber is in at most one room at a time. Lock order is subscriber
// membership, then room locks in id order, then the registry lock, which is
// only ever held briefly.
package hub

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/louisbranch/wayfarer/internal/services/chat/storage"
)

// ErrRoomRequired rejects operations without a room id.
var ErrRoomRequired = errors.New("room id is required")

// Subscriber receives broadcasts. Deliver is called with a room lock held
// and must not block; returning false reports that the subscriber could not
// accept the message.
type Subscriber interface {
	ID() string
	Deliver(msg storage.Message) bool
}

// DropFunc is told about subscribers that refused a delivery. It runs after
// the room lock is released.
type DropFunc func(sub Subscriber, roomID string)

// Hub maps room ids to subscriber sets.
type Hub struct {
	mu      sync.Mutex
	rooms   map[string]*room
	members map[string]*membership
	onDrop  DropFunc
}

type room struct {
	mu           sync.Mutex
	id           string
	subscribers  map[string]Subscriber
	lastSequence int64
	retired      bool
}

type membership struct {
	mu      sync.Mutex
	sub     Subscriber
	roomID  string
	removed bool
}

// New returns an empty hub. onDrop may be nil.
func New(onDrop DropFunc) *Hub {
	return &Hub{
		rooms:   make(map[string]*room),
		members: make(map[string]*membership),
		onDrop:  onDrop,
	}
}

// Subscribe moves sub into roomID. If sub was in another room it leaves that
// room in the same step; no observer sees it in both or in neither. joined,
// when non-nil, runs while the new room is locked, so anything it delivers
// reaches sub before any later broadcast in the room. If joined fails, sub
// ends up in no room and the error is returned.
func (h *Hub) Subscribe(roomID string, sub Subscriber, joined func() error) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrRoomRequired
	}
	m := h.lockMembership(sub)
	defer m.mu.Unlock()

	target, previous := h.lockPair(roomID, m.roomID)
	target.subscribers[sub.ID()] = sub
	if previous != nil {
		delete(previous.subscribers, sub.ID())
		h.retireIfEmpty(previous)
		previous.mu.Unlock()
	}
	m.roomID = roomID

	var err error
	if joined != nil {
		err = joined()
	}
	if err != nil {
		delete(target.subscribers, sub.ID())
		h.retireIfEmpty(target)
		m.roomID = ""
		h.dropMembership(m)
	}
	target.mu.Unlock()
	return err
}

// Unsubscribe removes subscriber id from roomID. It is a no-op when the
// subscriber is not in that room.
func (h *Hub) Unsubscribe(roomID, id string) bool {
	roomID = strings.TrimSpace(roomID)
	m := h.existingMembership(id)
	if m == nil {
		return false
	}
	defer m.mu.Unlock()
	if m.roomID == "" || m.roomID != roomID {
		return false
	}
	h.leaveLocked(m)
	return true
}

// Remove takes subscriber id out of whatever room it is in and returns that
// room id, or "".
func (h *Hub) Remove(id string) string {
	m := h.existingMembership(id)
	if m == nil {
		return ""
	}
	defer m.mu.Unlock()
	roomID := m.roomID
	if roomID != "" {
		h.leaveLocked(m)
	}
	return roomID
}

// Broadcast delivers msg to the subscribers of roomID at the moment of the
// call. Messages whose sequence is not newer than the last broadcast in the
// room are skipped. It returns the number of subscribers that accepted msg.
func (h *Hub) Broadcast(roomID string, msg storage.Message) int {
	h.mu.Lock()
	r := h.rooms[strings.TrimSpace(roomID)]
	h.mu.Unlock()
	if r == nil {
		return 0
	}
	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return 0
	}
	delivered, dropped := r.fanOut(msg)
	r.mu.Unlock()
	h.notifyDropped(roomID, dropped)
	return delivered
}

// Publish runs persist and broadcasts its result while holding the room
// lock, so appends and deliveries in one room happen in the same order.
// Nothing is delivered when persist fails.
func (h *Hub) Publish(roomID string, persist func() (storage.Message, error)) (storage.Message, int, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return storage.Message{}, 0, ErrRoomRequired
	}
	r := h.lockRoom(roomID)
	msg, err := persist()
	if err != nil {
		h.retireIfEmpty(r)
		r.mu.Unlock()
		return storage.Message{}, 0, err
	}
	delivered, dropped := r.fanOut(msg)
	h.retireIfEmpty(r)
	r.mu.Unlock()
	h.notifyDropped(roomID, dropped)
	return msg, delivered, nil
}

// RoomOf returns the room subscriber id is in, or "".
func (h *Hub) RoomOf(id string) string {
	m := h.existingMembership(id)
	if m == nil {
		return ""
	}
	defer m.mu.Unlock()
	return m.roomID
}

// Subscribers returns the sorted subscriber ids of roomID.
func (h *Hub) Subscribers(roomID string) []string {
	h.mu.Lock()
	r := h.rooms[strings.TrimSpace(roomID)]
	h.mu.Unlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.subscribers))
	for id := range r.subscribers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// RoomCount returns the number of rooms with at least one subscriber.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (r *room) fanOut(msg storage.Message) (int, []Subscriber) {
	if msg.Sequence <= r.lastSequence {
		return 0, nil
	}
	r.lastSequence = msg.Sequence
	delivered := 0
	var dropped []Subscriber
	for _, sub := range r.subscribers {
		if sub.Deliver(msg) {
			delivered++
			continue
		}
		dropped = append(dropped, sub)
	}
	return delivered, dropped
}

func (h *Hub) notifyDropped(roomID string, dropped []Subscriber) {
	if h.onDrop == nil {
		return
	}
	for _, sub := range dropped {
		h.onDrop(sub, roomID)
	}
}

// leaveLocked removes m from its room. m.mu must be held.
func (h *Hub) leaveLocked(m *membership) {
	h.mu.Lock()
	r := h.rooms[m.roomID]
	h.mu.Unlock()
	if r != nil {
		r.mu.Lock()
		delete(r.subscribers, m.sub.ID())
		h.retireIfEmpty(r)
		r.mu.Unlock()
	}
	m.roomID = ""
	h.dropMembership(m)
}

// lockMembership returns the live membership for sub with its lock held,
// creating it when missing.
func (h *Hub) lockMembership(sub Subscriber) *membership {
	for {
		h.mu.Lock()
		m, ok := h.members[sub.ID()]
		if !ok {
			m = &membership{sub: sub}
			h.members[sub.ID()] = m
		}
		h.mu.Unlock()

		m.mu.Lock()
		if !m.removed {
			m.sub = sub
			return m
		}
		m.mu.Unlock()
	}
}

// existingMembership returns the live membership for id with its lock held,
// or nil.
func (h *Hub) existingMembership(id string) *membership {
	for {
		h.mu.Lock()
		m := h.members[id]
		h.mu.Unlock()
		if m == nil {
			return nil
		}
		m.mu.Lock()
		if !m.removed {
			return m
		}
		m.mu.Unlock()
	}
}

// dropMembership forgets a membership that is in no room. m.mu must be held.
func (h *Hub) dropMembership(m *membership) {
	if m.roomID != "" {
		return
	}
	m.removed = true
	h.mu.Lock()
	if h.members[m.sub.ID()] == m {
		delete(h.members, m.sub.ID())
	}
	h.mu.Unlock()
}

// lockRoom returns the live room for id with its lock held, creating it when
// missing.
func (h *Hub) lockRoom(id string) *room {
	for {
		r := h.roomFor(id)
		r.mu.Lock()
		if !r.retired {
			return r
		}
		r.mu.Unlock()
	}
}

// lockPair locks the target room and, when previousID names a different
// room, the previous one too, in id order.
func (h *Hub) lockPair(targetID, previousID string) (*room, *room) {
	if previousID == "" || previousID == targetID {
		return h.lockRoom(targetID), nil
	}
	for {
		target := h.roomFor(targetID)
		h.mu.Lock()
		previous := h.rooms[previousID]
		h.mu.Unlock()
		if previous == nil {
			return h.lockRoom(targetID), nil
		}

		first, second := target, previous
		if previousID < targetID {
			first, second = previous, target
		}
		first.mu.Lock()
		second.mu.Lock()
		if !target.retired && !previous.retired {
			return target, previous
		}
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

func (h *Hub) roomFor(id string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		r = &room{id: id, subscribers: make(map[string]Subscriber)}
		h.rooms[id] = r
	}
	return r
}

// retireIfEmpty removes an empty room from the registry. r.mu must be held.
func (h *Hub) retireIfEmpty(r *room) {
	if len(r.subscribers) > 0 || r.retired {
		return
	}
	r.retired = true
	h.mu.Lock()
	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
	}
	h.mu.Unlock()
}
