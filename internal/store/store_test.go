package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

type messageStore interface {
	Persist(ctx context.Context, msg protocol.Message) error
	History(ctx context.Context, conversationID string, afterSeq uint64, limit int) ([]protocol.Message, error)
	LastSeq(ctx context.Context, conversationID string) (uint64, error)
	Close() error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStores(t *testing.T) map[string]messageStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]messageStore{
		"badger": NewBadgerStore(db, discardLogger()),
		"memory": NewMemoryStore(),
	}
}

func message(conversationID string, seq uint64, body string) protocol.Message {
	return protocol.Message{
		ID:             conversationID + "-" + body,
		ConversationID: conversationID,
		SenderID:       "alice",
		Body:           body,
		Seq:            seq,
		SentAt:         time.Date(2026, 10, 16, 12, 0, int(seq), 0, time.UTC),
	}
}

func TestStore_History_Returns_Messages_In_Sequence_Order(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			// Written out of order, as concurrent persistence workers may.
			for _, m := range []protocol.Message{message("c1", 3, "three"), message("c1", 1, "one"), message("c1", 2, "two")} {
				req.NoError(s.Persist(ctx, m))
			}

			got, err := s.History(ctx, "c1", 0, 0)
			req.NoError(err)
			req.Equal([]protocol.Message{message("c1", 1, "one"), message("c1", 2, "two"), message("c1", 3, "three")}, got)
		})
	}
}

func TestStore_History_After_And_Limit(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			for seq := uint64(1); seq <= 12; seq++ {
				req.NoError(s.Persist(ctx, message("c1", seq, "m")))
			}

			got, err := s.History(ctx, "c1", 9, 0)
			req.NoError(err)
			req.Len(got, 3)
			req.Equal(uint64(10), got[0].Seq)

			got, err = s.History(ctx, "c1", 2, 4)
			req.NoError(err)
			req.Len(got, 4)
			req.Equal(uint64(3), got[0].Seq)
			req.Equal(uint64(6), got[3].Seq)

			got, err = s.History(ctx, "c1", 12, 10)
			req.NoError(err)
			req.Empty(got)
		})
	}
}

// TestStore_Conversations_Do_Not_Overlap checks that an id which is a
// prefix of another does not leak messages.
func TestStore_Conversations_Do_Not_Overlap(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			req.NoError(s.Persist(ctx, message("c1", 1, "short")))
			req.NoError(s.Persist(ctx, message("c1:x", 1, "long")))
			req.NoError(s.Persist(ctx, message("c10", 1, "other")))

			got, err := s.History(ctx, "c1", 0, 10)
			req.NoError(err)
			req.Equal([]protocol.Message{message("c1", 1, "short")}, got)
		})
	}
}

func TestStore_Persist_Same_Message_Twice_Is_Idempotent(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			req.NoError(s.Persist(ctx, message("c1", 1, "first")))
			req.NoError(s.Persist(ctx, message("c1", 1, "first")))

			got, err := s.History(ctx, "c1", 0, 10)
			req.NoError(err)
			req.Equal([]protocol.Message{message("c1", 1, "first")}, got)
		})
	}
}

// TestStore_Persist_Refuses_Taken_Sequence keeps the first message when a
// different one arrives under the same sequence number.
func TestStore_Persist_Refuses_Taken_Sequence(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			req.NoError(s.Persist(ctx, message("c1", 1, "first")))
			req.ErrorIs(s.Persist(ctx, message("c1", 1, "second")), ErrSequenceConflict)

			got, err := s.History(ctx, "c1", 0, 10)
			req.NoError(err)
			req.Equal([]protocol.Message{message("c1", 1, "first")}, got)
		})
	}
}

func TestStore_LastSeq(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()

			last, err := s.LastSeq(ctx, "c1")
			req.NoError(err)
			req.Zero(last)

			for _, seq := range []uint64{2, 11, 7} {
				req.NoError(s.Persist(ctx, message("c1", seq, "m")))
			}
			req.NoError(s.Persist(ctx, message("c10", 99, "other")))

			last, err = s.LastSeq(ctx, "c1")
			req.NoError(err)
			req.Equal(uint64(11), last)
		})
	}
}

func TestStore_Persist_Honors_Cancelled_Context(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			require.ErrorIs(t, s.Persist(ctx, message("c1", 1, "late")), context.Canceled)
		})
	}
}

func TestOpenBadger_In_Memory(t *testing.T) {
	req := require.New(t)
	s, err := OpenBadger("", discardLogger())
	req.NoError(err)
	defer s.Close()

	req.NoError(s.Persist(context.Background(), message("c1", 1, "kept")))
	got, err := s.History(context.Background(), "c1", 0, 1)
	req.NoError(err)
	req.Len(got, 1)
}

func TestClampLimit(t *testing.T) {
	require.Equal(t, DefaultHistoryLimit, clampLimit(0))
	require.Equal(t, MaxHistoryLimit, clampLimit(MaxHistoryLimit+1))
	require.Equal(t, 7, clampLimit(7))
}
