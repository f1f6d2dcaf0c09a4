package client

import (
	"fmt"
	"testing"

	"github.com/louisbranch/wayfarer/internal/services/chat/protocol"
)

func msg(roomID string, seq int64) protocol.Message {
	return protocol.Message{
		ID:       fmt.Sprintf("%s-%d", roomID, seq),
		RoomID:   roomID,
		SenderID: "alice",
		Body:     fmt.Sprintf("message %d", seq),
		Sequence: seq,
	}
}

func sequences(messages []protocol.Message) []int64 {
	out := make([]int64, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Sequence)
	}
	return out
}

func TestFeedMergeDedupesAndOrders(t *testing.T) {
	feed := NewFeed("trip-42")
	if added := feed.Merge([]protocol.Message{msg("trip-42", 2), msg("trip-42", 3)}); added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}
	if added := feed.Merge([]protocol.Message{msg("trip-42", 3), msg("trip-42", 1), msg("trip-43", 4)}); added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
	if got := fmt.Sprint(sequences(feed.Messages())); got != "[1 2 3]" {
		t.Fatalf("sequences = %s, want [1 2 3]", got)
	}
	if feed.FirstSequence() != 1 || feed.LastSequence() != 3 || feed.Len() != 3 {
		t.Fatalf("first/last/len = %d/%d/%d", feed.FirstSequence(), feed.LastSequence(), feed.Len())
	}
}

func TestFeedAppendReportsGaps(t *testing.T) {
	feed := NewFeed("trip-42")
	if added, gap := feed.Append(msg("trip-42", 1)); !added || gap {
		t.Fatalf("first append added=%v gap=%v, want added without gap", added, gap)
	}
	feed.Merge([]protocol.Message{msg("trip-42", 5)})
	if added, gap := feed.Append(msg("trip-42", 6)); !added || gap {
		t.Fatalf("next append added=%v gap=%v", added, gap)
	}
	if added, _ := feed.Append(msg("trip-42", 6)); added {
		t.Fatal("duplicate was added")
	}
	if added, gap := feed.Append(msg("trip-42", 9)); added || !gap {
		t.Fatalf("gap append added=%v gap=%v, want gap only", added, gap)
	}
	if added, gap := feed.Append(msg("trip-42", 3)); !added || gap {
		t.Fatalf("backfill append added=%v gap=%v", added, gap)
	}
	if got := fmt.Sprint(sequences(feed.Messages())); got != "[1 3 5 6]" {
		t.Fatalf("sequences = %s", got)
	}
}

func TestFeedGapOnEmptyFeed(t *testing.T) {
	feed := NewFeed("trip-42")
	if added, gap := feed.Append(msg("trip-42", 4)); added || !gap {
		t.Fatalf("append added=%v gap=%v, want gap only", added, gap)
	}
}

func TestFeedNeverRegresses(t *testing.T) {
	feed := NewFeed("trip-42")
	feed.Merge([]protocol.Message{msg("trip-42", 1), msg("trip-42", 2)})
	before := feed.Messages()
	feed.Merge(nil)
	feed.Merge([]protocol.Message{msg("trip-42", 2)})
	after := feed.Messages()
	if len(after) < len(before) {
		t.Fatalf("feed shrank from %d to %d", len(before), len(after))
	}
	for i := range before {
		if after[i].ID != before[i].ID {
			t.Fatalf("message %d changed from %q to %q", i, before[i].ID, after[i].ID)
		}
	}
}

func TestFeedIgnoresMessagesWithoutID(t *testing.T) {
	feed := NewFeed("trip-42")
	if added, _ := feed.Append(protocol.Message{RoomID: "trip-42", Sequence: 1}); added {
		t.Fatal("message without id was added")
	}
}
