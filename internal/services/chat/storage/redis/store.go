// Package redis persists chat message logs in Redis sorted sets scored by
// sequence number.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/wayfarer/internal/services/chat/storage"
)

// DefaultPrefix namespaces chat keys.
const DefaultPrefix = "wayfarer:chat"

// appendScript assigns the next sequence and stores the member in one
// atomic step. KEYS[1] is the counter, KEYS[2] the sorted set.
var appendScript = goredis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
return seq
`)

// Store is a Redis-backed MessageStore.
type Store struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ storage.MessageStore = (*Store)(nil)

// entry is the stored member. The sequence lives in the score.
type entry struct {
	ID        string `json:"id"`
	SenderID  string `json:"sender_id"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
}

// Open parses a redis:// URL, connects, and pings.
func Open(ctx context.Context, redisURL, prefix string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix), nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient, prefix string) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, now: storage.Now}
}

// Close closes the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) sequenceKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:seq", s.prefix, roomID)
}

func (s *Store) messagesKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:messages", s.prefix, roomID)
}

// AppendMessage stores the message and assigns its sequence atomically.
func (s *Store) AppendMessage(ctx context.Context, roomID, senderID, body string) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.client == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	roomID, senderID, body, err := storage.ValidateAppend(roomID, senderID, body)
	if err != nil {
		return storage.Message{}, err
	}

	createdAt := s.now()
	e := entry{
		ID:        storage.NewMessageID(createdAt),
		SenderID:  senderID,
		Body:      body,
		CreatedAt: createdAt.UnixMilli(),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return storage.Message{}, fmt.Errorf("encode chat message: %w", err)
	}
	sequence, err := appendScript.Run(ctx, s.client,
		[]string{s.sequenceKey(roomID), s.messagesKey(roomID)},
		string(data),
	).Int64()
	if err != nil {
		return storage.Message{}, fmt.Errorf("append chat message: %w", err)
	}
	return e.message(roomID, sequence), nil
}

// ListMessages returns one ascending page of a room log.
func (s *Store) ListMessages(ctx context.Context, q storage.Query) (storage.Page, error) {
	if err := ctx.Err(); err != nil {
		return storage.Page{}, err
	}
	if s == nil || s.client == nil {
		return storage.Page{}, fmt.Errorf("storage is not configured")
	}
	q, err := storage.ValidateQuery(q)
	if err != nil {
		return storage.Page{}, err
	}

	key := s.messagesKey(q.RoomID)
	count := int64(q.Limit + 1)
	var (
		results    []goredis.Z
		descending bool
	)
	switch {
	case q.Forward:
		results, err = s.client.ZRangeByScoreWithScores(ctx, key, &goredis.ZRangeBy{
			Min:   "(" + strconv.FormatInt(q.After, 10),
			Max:   "+inf",
			Count: count,
		}).Result()
	case q.Before > 0:
		descending = true
		results, err = s.client.ZRevRangeByScoreWithScores(ctx, key, &goredis.ZRangeBy{
			Min:   "-inf",
			Max:   "(" + strconv.FormatInt(q.Before, 10),
			Count: count,
		}).Result()
	default:
		descending = true
		results, err = s.client.ZRevRangeByScoreWithScores(ctx, key, &goredis.ZRangeBy{
			Min:   "-inf",
			Max:   "+inf",
			Count: count,
		}).Result()
	}
	if err != nil {
		return storage.Page{}, fmt.Errorf("list chat messages: %w", err)
	}

	page := storage.Page{}
	if len(results) > q.Limit {
		page.HasMore = true
		results = results[:q.Limit]
	}
	messages := make([]storage.Message, 0, len(results))
	for _, z := range results {
		raw, ok := z.Member.(string)
		if !ok {
			return storage.Page{}, fmt.Errorf("decode chat message: unexpected member %T", z.Member)
		}
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return storage.Page{}, fmt.Errorf("decode chat message: %w", err)
		}
		messages = append(messages, e.message(q.RoomID, int64(z.Score)))
	}
	if descending {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	if len(messages) > 0 {
		page.Messages = messages
	}
	return page, nil
}

// LatestSequence reads the room counter.
func (s *Store) LatestSequence(ctx context.Context, roomID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	latest, err := s.client.Get(ctx, s.sequenceKey(strings.TrimSpace(roomID))).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("latest chat sequence: %w", err)
	}
	return latest, nil
}

func (e entry) message(roomID string, sequence int64) storage.Message {
	return storage.Message{
		ID:        e.ID,
		RoomID:    roomID,
		SenderID:  e.SenderID,
		Body:      e.Body,
		Sequence:  sequence,
		CreatedAt: time.UnixMilli(e.CreatedAt).UTC(),
	}
}
