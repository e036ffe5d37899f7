// Package store holds the message store adapters used by the hub: a
// BadgerDB store for durable deployments and an in-memory store for tests
// and development.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 500
)

// ErrSequenceConflict is returned by Persist when another message already
// holds the sequence number.
var ErrSequenceConflict = errors.New("sequence number already taken")

// BadgerStore persists messages in BadgerDB.
//
// Keys are "msg\x00{conversation}\x00{seq, 20 digits}". Conversation ids
// are printable ASCII, so the NUL separator cannot collide with an id and
// the zero padding keeps a conversation's messages in sequence order for a
// prefix scan.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

// OpenBadger opens (or creates) a store at path. An empty path keeps the
// data in memory.
func OpenBadger(path string, log *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	log.Info("Message store opened", "path", path, "in_memory", path == "")
	return &BadgerStore{db: db, log: log}, nil
}

// NewBadgerStore wraps an already open database.
func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log}
}

// Persist writes msg under its conversation and sequence number. Writing
// the same message again is a no-op rewrite; a different message under a
// taken sequence number is refused with ErrSequenceConflict.
func (s *BadgerStore) Persist(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	key := messageKey(msg.ConversationID, msg.Seq)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var stored protocol.Message
			err := item.Value(func(v []byte) error {
				var derr error
				stored, derr = decodeMessage(v)
				return derr
			})
			if err != nil {
				return err
			}
			if stored.ID != msg.ID {
				return fmt.Errorf("persist %s at %s/%d: %w (held by %s)", msg.ID, msg.ConversationID, msg.Seq, ErrSequenceConflict, stored.ID)
			}
		}
		return txn.Set(key, value)
	})
}

// LastSeq returns the highest stored sequence number of conversationID, or
// zero if it has no messages.
func (s *BadgerStore) LastSeq(ctx context.Context, conversationID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var last uint64
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := conversationPrefix(conversationID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(conversationPrefix(conversationID), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		seq, err := strconv.ParseUint(string(it.Item().Key()[len(prefix):]), 10, 64)
		if err != nil {
			return fmt.Errorf("malformed message key %q: %w", it.Item().Key(), err)
		}
		last = seq
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read last sequence of %s: %w", conversationID, err)
	}
	return last, nil
}

// History returns up to limit messages of conversationID with a sequence
// number greater than afterSeq, oldest first.
func (s *BadgerStore) History(ctx context.Context, conversationID string, afterSeq uint64, limit int) ([]protocol.Message, error) {
	limit = clampLimit(limit)
	messages := make([]protocol.Message, 0, limit)

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := conversationPrefix(conversationID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(messageKey(conversationID, afterSeq+1)); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(value []byte) error {
				msg, err := decodeMessage(value)
				if err != nil {
					return err
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history of %s: %w", conversationID, err)
	}
	return messages, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func conversationPrefix(conversationID string) []byte {
	return []byte("msg\x00" + conversationID + "\x00")
}

func messageKey(conversationID string, seq uint64) []byte {
	return fmt.Appendf(conversationPrefix(conversationID), "%020d", seq)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}
