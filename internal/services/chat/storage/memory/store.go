// Package memory keeps chat logs in process memory. Logs are lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/wayfarer/internal/services/chat/storage"
)

// Store is an in-memory MessageStore.
type Store struct {
	mu    sync.Mutex
	rooms map[string]*roomLog
	now   func() time.Time
}

type roomLog struct {
	mu       sync.Mutex
	messages []storage.Message
}

var _ storage.MessageStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{rooms: make(map[string]*roomLog), now: storage.Now}
}

func (s *Store) room(roomID string, create bool) *roomLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.rooms[roomID]
	if !ok && create {
		log = &roomLog{}
		s.rooms[roomID] = log
	}
	return log
}

// AppendMessage adds a message at the next sequence of its room.
func (s *Store) AppendMessage(ctx context.Context, roomID, senderID, body string) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.rooms == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	roomID, senderID, body, err := storage.ValidateAppend(roomID, senderID, body)
	if err != nil {
		return storage.Message{}, err
	}

	log := s.room(roomID, true)
	log.mu.Lock()
	defer log.mu.Unlock()

	createdAt := s.now()
	msg := storage.Message{
		ID:        storage.NewMessageID(createdAt),
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		Sequence:  int64(len(log.messages)) + 1,
		CreatedAt: createdAt,
	}
	log.messages = append(log.messages, msg)
	return msg, nil
}

// ListMessages returns one ascending page of a room log.
func (s *Store) ListMessages(ctx context.Context, q storage.Query) (storage.Page, error) {
	if err := ctx.Err(); err != nil {
		return storage.Page{}, err
	}
	if s == nil || s.rooms == nil {
		return storage.Page{}, fmt.Errorf("storage is not configured")
	}
	q, err := storage.ValidateQuery(q)
	if err != nil {
		return storage.Page{}, err
	}
	log := s.room(q.RoomID, false)
	if log == nil {
		return storage.Page{}, nil
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	return window(log.messages, q), nil
}

// LatestSequence returns the highest sequence in a room, or 0.
func (s *Store) LatestSequence(ctx context.Context, roomID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.rooms == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	log := s.room(roomID, false)
	if log == nil {
		return 0, nil
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	return int64(len(log.messages)), nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// window slices an ascending, gapless log starting at sequence 1.
func window(messages []storage.Message, q storage.Query) storage.Page {
	var lo, hi int
	switch {
	case q.Forward:
		lo = sort.Search(len(messages), func(i int) bool { return messages[i].Sequence > q.After })
		hi = min(lo+q.Limit, len(messages))
	case q.Before > 0:
		hi = sort.Search(len(messages), func(i int) bool { return messages[i].Sequence >= q.Before })
		lo = max(hi-q.Limit, 0)
	default:
		hi = len(messages)
		lo = max(hi-q.Limit, 0)
	}
	if lo >= hi {
		return storage.Page{}
	}
	out := make([]storage.Message, hi-lo)
	copy(out, messages[lo:hi])
	hasMore := hi < len(messages)
	if !q.Forward {
		hasMore = lo > 0
	}
	return storage.Page{Messages: out, HasMore: hasMore}
}
