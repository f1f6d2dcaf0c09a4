package client

import (
	"slices"

	"github.com/louisbranch/wayfarer/internal/services/chat/protocol"
)

// Feed is the merged view of one room: history snapshots and live messages
// unioned by id and ordered by sequence. Messages are never removed.
type Feed struct {
	roomID   string
	messages []protocol.Message
	ids      map[string]struct{}
}

// NewFeed returns an empty feed for roomID.
func NewFeed(roomID string) *Feed {
	return &Feed{roomID: roomID, ids: make(map[string]struct{})}
}

// RoomID returns the room the feed displays.
func (f *Feed) RoomID() string {
	return f.roomID
}

// Merge adds every message of the feed's room that is not already present
// and returns how many were added.
func (f *Feed) Merge(messages []protocol.Message) int {
	added := 0
	for _, msg := range messages {
		if f.insert(msg) {
			added++
		}
	}
	return added
}

// Append adds a live message. A message that skips sequences the feed has
// not seen is not added; gap reports it so the caller can resync.
func (f *Feed) Append(msg protocol.Message) (added, gap bool) {
	if msg.Sequence > f.LastSequence()+1 {
		if _, ok := f.ids[msg.ID]; ok {
			return false, false
		}
		return false, true
	}
	return f.insert(msg), false
}

func (f *Feed) insert(msg protocol.Message) bool {
	if msg.ID == "" || msg.RoomID != f.roomID {
		return false
	}
	if _, ok := f.ids[msg.ID]; ok {
		return false
	}
	f.ids[msg.ID] = struct{}{}
	n := len(f.messages)
	if n == 0 || f.messages[n-1].Sequence < msg.Sequence {
		f.messages = append(f.messages, msg)
		return true
	}
	i, _ := slices.BinarySearchFunc(f.messages, msg.Sequence, func(m protocol.Message, seq int64) int {
		switch {
		case m.Sequence < seq:
			return -1
		case m.Sequence > seq:
			return 1
		default:
			return 0
		}
	})
	f.messages = slices.Insert(f.messages, i, msg)
	return true
}

// LastSequence returns the newest sequence in the feed, or 0.
func (f *Feed) LastSequence() int64 {
	if len(f.messages) == 0 {
		return 0
	}
	return f.messages[len(f.messages)-1].Sequence
}

// FirstSequence returns the oldest sequence in the feed, or 0.
func (f *Feed) FirstSequence() int64 {
	if len(f.messages) == 0 {
		return 0
	}
	return f.messages[0].Sequence
}

// Len returns the number of messages in the feed.
func (f *Feed) Len() int {
	return len(f.messages)
}

// Messages returns a copy of the feed in display order.
func (f *Feed) Messages() []protocol.Message {
	return slices.Clone(f.messages)
}
