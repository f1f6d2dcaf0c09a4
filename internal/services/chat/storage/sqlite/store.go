// Package sqlite persists chat message logs in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/louisbranch/wayfarer/internal/platform/storage/migrate"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage/sqlite/migrations"
)

const dsnOptions = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_txlock=immediate"

// maxAppendAttempts bounds retries when a sequence collides with a row
// written outside the counter table.
const maxAppendAttempts = 3

// Store persists chat messages in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ storage.MessageStore = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	sqlDB, err := sql.Open("sqlite", filepath.Clean(path)+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := migrate.ApplySQL(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: storage.Now}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendMessage bumps the room counter and inserts the message in one
// immediate transaction, which serializes writers per database.
func (s *Store) AppendMessage(ctx context.Context, roomID, senderID, body string) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	roomID, senderID, body, err := storage.ValidateAppend(roomID, senderID, body)
	if err != nil {
		return storage.Message{}, err
	}

	for attempt := 1; ; attempt++ {
		msg, err := s.appendOnce(ctx, roomID, senderID, body)
		if err == nil {
			return msg, nil
		}
		if !isUniqueViolation(err) || attempt >= maxAppendAttempts {
			return storage.Message{}, fmt.Errorf("append chat message: %w", err)
		}
		if err := s.resyncCounter(ctx, roomID); err != nil {
			return storage.Message{}, fmt.Errorf("append chat message: %w", err)
		}
	}
}

func (s *Store) appendOnce(ctx context.Context, roomID, senderID, body string) (storage.Message, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Message{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sequence int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO chat_room_sequences (room_id, last_sequence) VALUES (?, 1)
		 ON CONFLICT(room_id) DO UPDATE SET last_sequence = last_sequence + 1
		 RETURNING last_sequence`,
		roomID,
	).Scan(&sequence)
	if err != nil {
		return storage.Message{}, fmt.Errorf("next sequence: %w", err)
	}

	createdAt := s.now()
	msg := storage.Message{
		ID:        storage.NewMessageID(createdAt),
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		Sequence:  sequence,
		CreatedAt: createdAt,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, room_id, sequence, sender_id, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, msg.Sequence, msg.SenderID, msg.Body, toMillis(msg.CreatedAt),
	); err != nil {
		return storage.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.Message{}, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// resyncCounter moves the room counter up to the highest stored sequence.
func (s *Store) resyncCounter(ctx context.Context, roomID string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`UPDATE chat_room_sequences
		 SET last_sequence = (SELECT COALESCE(MAX(sequence), 0) FROM chat_messages WHERE room_id = ?)
		 WHERE room_id = ?`,
		roomID, roomID,
	)
	if err != nil {
		return fmt.Errorf("resync sequence: %w", err)
	}
	return nil
}

// ListMessages returns one ascending page of a room log.
func (s *Store) ListMessages(ctx context.Context, q storage.Query) (storage.Page, error) {
	if err := ctx.Err(); err != nil {
		return storage.Page{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Page{}, fmt.Errorf("storage is not configured")
	}
	q, err := storage.ValidateQuery(q)
	if err != nil {
		return storage.Page{}, err
	}

	const columns = `SELECT id, room_id, sequence, sender_id, body, created_at FROM chat_messages`
	var (
		rows       *sql.Rows
		descending bool
	)
	switch {
	case q.Forward:
		rows, err = s.sqlDB.QueryContext(ctx,
			columns+` WHERE room_id = ? AND sequence > ? ORDER BY sequence ASC LIMIT ?`,
			q.RoomID, q.After, q.Limit+1)
	case q.Before > 0:
		descending = true
		rows, err = s.sqlDB.QueryContext(ctx,
			columns+` WHERE room_id = ? AND sequence < ? ORDER BY sequence DESC LIMIT ?`,
			q.RoomID, q.Before, q.Limit+1)
	default:
		descending = true
		rows, err = s.sqlDB.QueryContext(ctx,
			columns+` WHERE room_id = ? ORDER BY sequence DESC LIMIT ?`,
			q.RoomID, q.Limit+1)
	}
	if err != nil {
		return storage.Page{}, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	messages := make([]storage.Message, 0, q.Limit+1)
	for rows.Next() {
		var (
			msg       storage.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Sequence, &msg.SenderID, &msg.Body, &createdAt); err != nil {
			return storage.Page{}, fmt.Errorf("scan chat message: %w", err)
		}
		msg.CreatedAt = fromMillis(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return storage.Page{}, fmt.Errorf("iterate chat messages: %w", err)
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
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var latest int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT last_sequence FROM chat_room_sequences WHERE room_id = ?`,
		strings.TrimSpace(roomID),
	).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("latest chat sequence: %w", err)
	}
	return latest, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
