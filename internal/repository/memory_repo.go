package repository

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"chat_relay/internal/domain"
)

// MemoryStore is a process-local MessageStore. It backs STORE_DRIVER=memory and tests.
// The Fail* hooks, when set, are consulted before every call and short-circuit it with
// the returned error.
type MemoryStore struct {
	mu       sync.Mutex
	messages []domain.Message
	nextID   int64

	FailInsert func(msg domain.Message) error
	FailUpdate func(id string) error
	FailFind   func(filter Filter) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(ctx context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailInsert != nil {
		if err := s.FailInsert(*msg); err != nil {
			return err
		}
	}

	s.nextID++
	msg.ID = strconv.FormatInt(s.nextID, 10)
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailUpdate != nil {
		if err := s.FailUpdate(id); err != nil {
			return err
		}
	}

	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Delivered = true
			s.messages[i].LastUpdated = at
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Find(ctx context.Context, filter Filter) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailFind != nil {
		if err := s.FailFind(filter); err != nil {
			return nil, err
		}
	}

	var out []domain.Message
	for _, m := range s.messages {
		if filter.matches(m) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns a copy of the stored message with the given id.
func (s *MemoryStore) Get(id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}

func (s *MemoryStore) All() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}
