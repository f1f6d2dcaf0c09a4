// Package storagetest holds behavior tests shared by every MessageStore
// backend.
package storagetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/louisbranch/wayfarer/internal/services/chat/storage"
)

// Opener returns a fresh store for one subtest. The store is closed by the
// suite.
type Opener func(t *testing.T) storage.MessageStore

// Run exercises store semantics against open. Room ids are unique per run so
// backends may share one database.
func Run(t *testing.T, open Opener) {
	t.Helper()
	t.Run("append assigns gapless sequences", func(t *testing.T) { testAppendSequences(t, open) })
	t.Run("append validates input", func(t *testing.T) { testAppendValidation(t, open) })
	t.Run("concurrent appends never share a sequence", func(t *testing.T) { testConcurrentAppends(t, open) })
	t.Run("rooms sequence independently", func(t *testing.T) { testRoomsIndependent(t, open) })
	t.Run("list pages ascending", func(t *testing.T) { testListPaging(t, open) })
	t.Run("latest sequence", func(t *testing.T) { testLatestSequence(t, open) })
	t.Run("cancelled context", func(t *testing.T) { testCancelledContext(t, open) })
}

// RoomID returns a room id unique to this process and call.
func RoomID(prefix string) string {
	return prefix + "-" + strings.ToLower(ulid.Make().String())
}

func openStore(t *testing.T, open Opener) storage.MessageStore {
	t.Helper()
	store := open(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustAppend(t *testing.T, store storage.MessageStore, roomID, body string) storage.Message {
	t.Helper()
	msg, err := store.AppendMessage(context.Background(), roomID, "traveler-1", body)
	if err != nil {
		t.Fatalf("append %q: %v", body, err)
	}
	return msg
}

func testAppendSequences(t *testing.T, open Opener) {
	store := openStore(t, open)
	roomID := RoomID("trip")

	first := mustAppend(t, store, roomID, "  hello  ")
	second := mustAppend(t, store, roomID, "second")
	third := mustAppend(t, store, roomID, "third")

	if first.Sequence != 1 || second.Sequence != 2 || third.Sequence != 3 {
		t.Fatalf("sequences = %d,%d,%d, want 1,2,3", first.Sequence, second.Sequence, third.Sequence)
	}
	if first.Body != "hello" {
		t.Fatalf("body = %q, want trimmed %q", first.Body, "hello")
	}
	if first.ID == "" || first.ID == second.ID || second.ID == third.ID {
		t.Fatalf("ids = %q,%q,%q, want unique non-empty", first.ID, second.ID, third.ID)
	}
	if first.RoomID != roomID || first.SenderID != "traveler-1" {
		t.Fatalf("message = %+v", first)
	}
	if first.CreatedAt.IsZero() || first.CreatedAt.Location() != time.UTC {
		t.Fatalf("created at = %v, want non-zero UTC", first.CreatedAt)
	}

	page, err := store.ListMessages(context.Background(), storage.Query{RoomID: roomID, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(page.Messages))
	}
	got := page.Messages[0]
	if got.ID != first.ID || got.Body != first.Body || !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("stored = %+v, want %+v", got, first)
	}
}

func testAppendValidation(t *testing.T, open Opener) {
	store := openStore(t, open)
	roomID := RoomID("trip")
	ctx := context.Background()

	tests := []struct {
		name    string
		room    string
		sender  string
		body    string
		wantErr error
	}{
		{"empty body", roomID, "u1", "", storage.ErrEmptyBody},
		{"whitespace body", roomID, "u1", " \n\t ", storage.ErrEmptyBody},
		{"missing room", " ", "u1", "hi", storage.ErrRoomRequired},
		{"missing sender", roomID, "", "hi", storage.ErrSenderRequired},
		{"too long", roomID, "u1", strings.Repeat("é", storage.MaxBodyRunes+1), storage.ErrBodyTooLong},
	}
	for _, tc := range tests {
		if _, err := store.AppendMessage(ctx, tc.room, tc.sender, tc.body); !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.wantErr)
		}
	}
	latest, err := store.LatestSequence(ctx, roomID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != 0 {
		t.Fatalf("latest = %d after rejected appends, want 0", latest)
	}
	if _, err := store.AppendMessage(ctx, roomID, "u1", strings.Repeat("é", storage.MaxBodyRunes)); err != nil {
		t.Fatalf("append max length body: %v", err)
	}
}

func testConcurrentAppends(t *testing.T, open Opener) {
	store := openStore(t, open)
	roomID := RoomID("trip")
	const writers = 24

	var wg sync.WaitGroup
	seqs := make(chan int64, writers)
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := store.AppendMessage(context.Background(), roomID, "traveler", "burst")
			if err != nil {
				errs <- err
				return
			}
			seqs <- msg.Sequence
		}()
	}
	wg.Wait()
	close(seqs)
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	seen := make(map[int64]bool, writers)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("sequence %d assigned twice", seq)
		}
		seen[seq] = true
	}
	for seq := int64(1); seq <= writers; seq++ {
		if !seen[seq] {
			t.Fatalf("sequence %d missing", seq)
		}
	}

	page, err := store.ListMessages(context.Background(), storage.Query{RoomID: roomID, Limit: writers})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, msg := range page.Messages {
		if msg.Sequence != int64(i+1) {
			t.Fatalf("page[%d].Sequence = %d, want %d", i, msg.Sequence, i+1)
		}
	}
}

func testRoomsIndependent(t *testing.T, open Opener) {
	store := openStore(t, open)
	roomA := RoomID("trip")
	roomB := RoomID("experience")

	mustAppend(t, store, roomA, "a1")
	mustAppend(t, store, roomA, "a2")
	b1 := mustAppend(t, store, roomB, "b1")
	if b1.Sequence != 1 {
		t.Fatalf("room B first sequence = %d, want 1", b1.Sequence)
	}
	page, err := store.ListMessages(context.Background(), storage.Query{RoomID: roomB, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Body != "b1" {
		t.Fatalf("room B messages = %+v", page.Messages)
	}
}

func testListPaging(t *testing.T, open Opener) {
	store := openStore(t, open)
	roomID := RoomID("trip")
	for i := 0; i < 10; i++ {
		mustAppend(t, store, roomID, "m")
	}

	tests := []struct {
		name    string
		query   storage.Query
		want    []int64
		hasMore bool
	}{
		{"latest", storage.Query{Limit: 3}, []int64{8, 9, 10}, true},
		{"latest covers all", storage.Query{Limit: 50}, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, false},
		{"after", storage.Query{After: 2, Limit: 3}, []int64{3, 4, 5}, true},
		{"after tail", storage.Query{After: 8, Limit: 5}, []int64{9, 10}, false},
		{"after end", storage.Query{After: 10, Limit: 5}, nil, false},
		{"before", storage.Query{Before: 8, Limit: 2}, []int64{6, 7}, true},
		{"before head", storage.Query{Before: 4, Limit: 5}, []int64{1, 2, 3}, false},
		{"after wins over before", storage.Query{After: 5, Before: 2, Limit: 2}, []int64{6, 7}, true},
		{"forward from start", storage.Query{Forward: true, Limit: 3}, []int64{1, 2, 3}, true},
		{"forward from start covers all", storage.Query{Forward: true, Limit: 50}, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, false},
		{"forward ignores before", storage.Query{Forward: true, Before: 5, Limit: 2}, []int64{1, 2}, true},
	}
	for _, tc := range tests {
		q := tc.query
		q.RoomID = roomID
		page, err := store.ListMessages(context.Background(), q)
		if err != nil {
			t.Fatalf("%s: list: %v", tc.name, err)
		}
		if len(page.Messages) != len(tc.want) {
			t.Fatalf("%s: got %d messages, want %d", tc.name, len(page.Messages), len(tc.want))
		}
		for i, msg := range page.Messages {
			if msg.Sequence != tc.want[i] {
				t.Fatalf("%s: page[%d].Sequence = %d, want %d", tc.name, i, msg.Sequence, tc.want[i])
			}
		}
		if page.HasMore != tc.hasMore {
			t.Fatalf("%s: has more = %v, want %v", tc.name, page.HasMore, tc.hasMore)
		}
	}

	empty, err := store.ListMessages(context.Background(), storage.Query{RoomID: RoomID("unknown"), Limit: 5})
	if err != nil {
		t.Fatalf("list unknown room: %v", err)
	}
	if len(empty.Messages) != 0 || empty.HasMore {
		t.Fatalf("unknown room page = %+v, want empty", empty)
	}
	if _, err := store.ListMessages(context.Background(), storage.Query{Limit: 5}); !errors.Is(err, storage.ErrRoomRequired) {
		t.Fatalf("missing room err = %v, want %v", err, storage.ErrRoomRequired)
	}
}

func testLatestSequence(t *testing.T, open Opener) {
	store := openStore(t, open)
	roomID := RoomID("trip")

	latest, err := store.LatestSequence(context.Background(), roomID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != 0 {
		t.Fatalf("latest = %d, want 0", latest)
	}
	mustAppend(t, store, roomID, "one")
	mustAppend(t, store, roomID, "two")
	latest, err = store.LatestSequence(context.Background(), roomID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != 2 {
		t.Fatalf("latest = %d, want 2", latest)
	}
}

func testCancelledContext(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.AppendMessage(ctx, RoomID("trip"), "u1", "hi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("append err = %v, want %v", err, context.Canceled)
	}
	if _, err := store.ListMessages(ctx, storage.Query{RoomID: "trip", Limit: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("list err = %v, want %v", err, context.Canceled)
	}
}
