// Package protocol defines the JSON vocabulary shared by the chat push
// channel, the history endpoint, and their clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/wayfarer/internal/platform/errors"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage"
)

// Frame types sent by clients.
const (
	TypeJoin          = "chat.join"
	TypeLeave         = "chat.leave"
	TypeSend          = "chat.send"
	TypePing          = "chat.ping"
	TypeHistoryBefore = "chat.history.before"
)

// Frame types sent by the server.
const (
	TypeJoined  = "chat.joined"
	TypeLeft    = "chat.left"
	TypeAck     = "chat.ack"
	TypeMessage = "chat.message"
	TypeHistory = "chat.history"
	TypeError   = "chat.error"
	TypePong    = "chat.pong"
)

// Limits enforced on every push connection.
const (
	MaxFramePayloadBytes = 16 * 1024
	MaxBodyRunes         = storage.MaxBodyRunes
)

// Frame is one push channel envelope. RequestID correlates replies
// (joined, left, ack, error, history) with the request that caused them.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message is the canonical wire form of a stored message.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"createdAt"`
}

type JoinPayload struct {
	RoomID string `json:"roomId"`
	// AfterSequence asks the server to replay messages newer than the
	// client's history snapshot before live delivery starts.
	AfterSequence *int64 `json:"afterSequence,omitempty"`
}

type LeavePayload struct {
	RoomID string `json:"roomId"`
}

type SendPayload struct {
	Body string `json:"body"`
}

type HistoryBeforePayload struct {
	BeforeSequence int64 `json:"beforeSequence"`
	Limit          int   `json:"limit,omitempty"`
}

type JoinedPayload struct {
	RoomID         string    `json:"roomId"`
	LatestSequence int64     `json:"latestSequence"`
	Replayed       int       `json:"replayed"`
	Truncated      bool      `json:"truncated,omitempty"`
	ServerTime     time.Time `json:"serverTime"`
}

type LeftPayload struct {
	RoomID string `json:"roomId"`
}

type AckPayload struct {
	MessageID string `json:"messageId"`
	Sequence  int64  `json:"sequence"`
}

type MessagePayload struct {
	Message Message `json:"message"`
}

type HistoryPayload struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// ErrorPayload carries a taxonomy code and a localized message.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// HistoryResponse is the body of a history endpoint response.
type HistoryResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// ResolveResponse is the body of a room resolution response.
type ResolveResponse struct {
	RoomID string `json:"roomId"`
}

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	Error ErrorPayload `json:"error"`
}

// NewFrame encodes payload into a frame. A nil payload leaves it empty.
func NewFrame(frameType, requestID string, payload any) (Frame, error) {
	frame := Frame{Type: frameType, RequestID: requestID}
	if payload == nil {
		return frame, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	frame.Payload = data
	return frame, nil
}

// MustFrame is NewFrame for payload types that always encode.
func MustFrame(frameType, requestID string, payload any) Frame {
	frame, err := NewFrame(frameType, requestID, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

// ErrorFrame builds a chat.error frame.
func ErrorFrame(requestID string, code apperrors.Code, message string) Frame {
	return MustFrame(TypeError, requestID, ErrorPayload{
		Code:      string(code),
		Message:   message,
		Retryable: code.Retryable(),
	})
}

// Decode unmarshals a frame payload into target. An empty payload decodes
// as an empty object.
func Decode(frame Frame, target any) error {
	data := frame.Payload
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", frame.Type, err)
	}
	return nil
}

// FromStorage converts a stored message to its wire form.
func FromStorage(msg storage.Message) Message {
	return Message{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Body:      msg.Body,
		Sequence:  msg.Sequence,
		CreatedAt: msg.CreatedAt.UTC(),
	}
}

// FromStoragePage converts a slice of stored messages, never returning nil.
func FromStoragePage(messages []storage.Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, FromStorage(msg))
	}
	return out
}
