// Package postgres persists chat message logs in PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/louisbranch/wayfarer/internal/platform/storage/migrate"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage/postgres/migrations"
)

// Store is a PostgreSQL-backed MessageStore. The room counter row lock
// serializes appends per room.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.MessageStore = (*Store)(nil)

// Open connects to databaseURL, pings, and applies migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	all, err := migrate.Load(migrations.FS, "")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := migrate.Apply(ctx, runner{pool: pool}, all); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{pool: pool, now: storage.Now}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// AppendMessage bumps the room counter and inserts the message in one
// transaction.
func (s *Store) AppendMessage(ctx context.Context, roomID, senderID, body string) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.pool == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	roomID, senderID, body, err := storage.ValidateAppend(roomID, senderID, body)
	if err != nil {
		return storage.Message{}, err
	}

	createdAt := s.now()
	msg := storage.Message{
		ID:        storage.NewMessageID(createdAt),
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: createdAt,
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO chat_room_sequences (room_id, last_sequence) VALUES ($1, 1)
			 ON CONFLICT (room_id) DO UPDATE SET last_sequence = chat_room_sequences.last_sequence + 1
			 RETURNING last_sequence`,
			roomID,
		).Scan(&msg.Sequence); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO chat_messages (id, room_id, sequence, sender_id, body, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.ID, msg.RoomID, msg.Sequence, msg.SenderID, msg.Body, msg.CreatedAt,
		)
		return err
	})
	if err != nil {
		return storage.Message{}, fmt.Errorf("append chat message: %w", err)
	}
	return msg, nil
}

// ListMessages returns one ascending page of a room log.
func (s *Store) ListMessages(ctx context.Context, q storage.Query) (storage.Page, error) {
	if err := ctx.Err(); err != nil {
		return storage.Page{}, err
	}
	if s == nil || s.pool == nil {
		return storage.Page{}, fmt.Errorf("storage is not configured")
	}
	q, err := storage.ValidateQuery(q)
	if err != nil {
		return storage.Page{}, err
	}

	const columns = `SELECT id, room_id, sequence, sender_id, body, created_at FROM chat_messages`
	var (
		rows       pgx.Rows
		descending bool
	)
	switch {
	case q.Forward:
		rows, err = s.pool.Query(ctx,
			columns+` WHERE room_id = $1 AND sequence > $2 ORDER BY sequence ASC LIMIT $3`,
			q.RoomID, q.After, q.Limit+1)
	case q.Before > 0:
		descending = true
		rows, err = s.pool.Query(ctx,
			columns+` WHERE room_id = $1 AND sequence < $2 ORDER BY sequence DESC LIMIT $3`,
			q.RoomID, q.Before, q.Limit+1)
	default:
		descending = true
		rows, err = s.pool.Query(ctx,
			columns+` WHERE room_id = $1 ORDER BY sequence DESC LIMIT $2`,
			q.RoomID, q.Limit+1)
	}
	if err != nil {
		return storage.Page{}, fmt.Errorf("list chat messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Message, error) {
		var msg storage.Message
		err := row.Scan(&msg.ID, &msg.RoomID, &msg.Sequence, &msg.SenderID, &msg.Body, &msg.CreatedAt)
		msg.CreatedAt = msg.CreatedAt.UTC()
		return msg, err
	})
	if err != nil {
		return storage.Page{}, fmt.Errorf("scan chat messages: %w", err)
	}

	page := storage.Page{}
	if len(messages) > q.Limit {
		page.HasMore = true
		messages = messages[:q.Limit]
	}
	if descending {
		slices.Reverse(messages)
	}
	if len(messages) > 0 {
		page.Messages = messages
	}
	return page, nil
}

// LatestSequence returns the room counter, or 0 for an unknown room.
func (s *Store) LatestSequence(ctx context.Context, roomID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var latest int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_sequence FROM chat_room_sequences WHERE room_id = $1`,
		strings.TrimSpace(roomID),
	).Scan(&latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("latest chat sequence: %w", err)
	}
	return latest, nil
}

// runner applies migrations through the pool.
type runner struct {
	pool *pgxpool.Pool
}

func (r runner) EnsureTable(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrate.Table+` (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

func (r runner) Applied(ctx context.Context, name string) (bool, error) {
	var found int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM `+migrate.Table+` WHERE name = $1`, name).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r runner) Run(ctx context.Context, m migrate.Migration) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, m.Up); err != nil && !migrate.IsAlreadyExists(err) {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO `+migrate.Table+` (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
			m.Name,
		)
		return err
	})
}
