// Package storage defines the durable message log behind chat rooms.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// MaxBodyRunes caps the length of a message body.
const MaxBodyRunes = 2000

var (
	// ErrRoomRequired rejects appends and queries without a room id.
	ErrRoomRequired = errors.New("room id is required")
	// ErrSenderRequired rejects appends without a sender id.
	ErrSenderRequired = errors.New("sender id is required")
	// ErrEmptyBody rejects bodies that are blank after trimming.
	ErrEmptyBody = errors.New("message body is empty")
	// ErrBodyTooLong rejects bodies over MaxBodyRunes.
	ErrBodyTooLong = fmt.Errorf("message body exceeds %d characters", MaxBodyRunes)
)

// Message is one immutable entry in a room log. Sequence starts at 1 and is
// gapless within a room.
type Message struct {
	ID        string
	RoomID    string
	SenderID  string
	Body      string
	Sequence  int64
	CreatedAt time.Time
}

// Query selects a page of a room log. After and Before are exclusive
// sequence bounds; at most one is honored, After first. Forward pages up
// from After even when it is 0, so the first page of a log can be read
// oldest first. With no bound set the page holds the newest Limit messages.
// Pages are always ascending.
type Query struct {
	RoomID  string
	After   int64
	Before  int64
	Forward bool
	Limit   int
}

// Page is an ascending slice of a room log. HasMore reports that messages
// exist beyond the page in the direction of the query.
type Page struct {
	Messages []Message
	HasMore  bool
}

// MessageStore is the durable log. AppendMessage must assign sequence numbers
// atomically per room; it may run in parallel across rooms.
type MessageStore interface {
	AppendMessage(ctx context.Context, roomID, senderID, body string) (Message, error)
	ListMessages(ctx context.Context, q Query) (Page, error)
	LatestSequence(ctx context.Context, roomID string) (int64, error)
	Close() error
}

// NormalizeBody trims body and enforces the non-empty and length rules.
func NormalizeBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return "", ErrBodyTooLong
	}
	return body, nil
}

// ValidateAppend normalizes the arguments of AppendMessage.
func ValidateAppend(roomID, senderID, body string) (string, string, string, error) {
	roomID = strings.TrimSpace(roomID)
	senderID = strings.TrimSpace(senderID)
	if roomID == "" {
		return "", "", "", ErrRoomRequired
	}
	if senderID == "" {
		return "", "", "", ErrSenderRequired
	}
	body, err := NormalizeBody(body)
	if err != nil {
		return "", "", "", err
	}
	return roomID, senderID, body, nil
}

// ValidateQuery trims the room id and defaults a non-positive limit to 1.
func ValidateQuery(q Query) (Query, error) {
	q.RoomID = strings.TrimSpace(q.RoomID)
	if q.RoomID == "" {
		return Query{}, ErrRoomRequired
	}
	if q.After < 0 {
		q.After = 0
	}
	if q.Before < 0 {
		q.Before = 0
	}
	if q.After > 0 {
		q.Forward = true
	}
	if q.Forward {
		q.Before = 0
	}
	if q.Limit <= 0 {
		q.Limit = 1
	}
	return q, nil
}

// NewMessageID returns a ULID for a message created at t.
func NewMessageID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// Now returns the current time truncated to milliseconds in UTC, matching
// the precision every backend persists.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
