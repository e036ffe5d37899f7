package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

// MemoryStore keeps messages in process memory. It is safe for concurrent
// use.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]protocol.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string][]protocol.Message)}
}

func (s *MemoryStore) Persist(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[msg.ConversationID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq >= msg.Seq })
	if i < len(list) && list[i].Seq == msg.Seq {
		if list[i].ID != msg.ID {
			return fmt.Errorf("persist %s at %s/%d: %w (held by %s)", msg.ID, msg.ConversationID, msg.Seq, ErrSequenceConflict, list[i].ID)
		}
		list[i] = msg
		return nil
	}
	list = append(list, protocol.Message{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	s.messages[msg.ConversationID] = list
	return nil
}

func (s *MemoryStore) History(_ context.Context, conversationID string, afterSeq uint64, limit int) ([]protocol.Message, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[conversationID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq > afterSeq })
	end := min(i+limit, len(list))
	out := make([]protocol.Message, end-i)
	copy(out, list[i:end])
	return out, nil
}

func (s *MemoryStore) LastSeq(ctx context.Context, conversationID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[conversationID]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].Seq, nil
}

func (s *MemoryStore) Close() error { return nil }
