package threads

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/threadline/pkg/models"
)

type threadRecord struct {
	thread   models.Thread
	messages []models.Message
}

// InMemoryStore keeps threads in process memory. Used by tests and by the
// gateway when database.store is "memory".
type InMemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*threadRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{threads: make(map[string]*threadRecord)}
}

func (s *InMemoryStore) GetThread(_ context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.threads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	thread := cloneThread(rec.thread)
	return &thread, nil
}

func (s *InMemoryStore) ListThreadsByOwner(_ context.Context, ownerID string) ([]models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Thread, 0)
	for _, rec := range s.threads {
		if rec.thread.ResourceID == ownerID {
			out = append(out, cloneThread(rec.thread))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) CreateThread(_ context.Context, thread *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[thread.ID]; ok {
		return fmt.Errorf("%w: %s", ErrThreadExists, thread.ID)
	}
	now := time.Now().UTC()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	if thread.UpdatedAt.IsZero() {
		thread.UpdatedAt = thread.CreatedAt
	}
	s.threads[thread.ID] = &threadRecord{thread: cloneThread(*thread)}
	return nil
}

func (s *InMemoryStore) TouchThread(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.threads[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if at.After(rec.thread.UpdatedAt) {
		rec.thread.UpdatedAt = at
	}
	return nil
}

func (s *InMemoryStore) UpdateTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.threads[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.thread.Title = title
	return nil
}

func (s *InMemoryStore) DeleteThread(_ context.Context, id, callerOwnerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.threads[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := CheckOwner(&rec.thread, callerOwnerID); err != nil {
		return err
	}
	delete(s.threads, id)
	return nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.threads[msg.ThreadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, msg.ThreadID)
	}
	prepareMessage(msg)
	rec.messages = append(rec.messages, cloneMessage(*msg))
	return nil
}

func (s *InMemoryStore) QueryMessages(_ context.Context, threadID, ownerID string, q Query) ([]models.Message, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	if err := CheckOwner(&rec.thread, ownerID); err != nil {
		return nil, err
	}

	selected, err := page(rec.messages, q)
	if err != nil {
		return nil, err
	}
	return cloneMessages(selected), nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, threadID string, n int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	if n <= 0 {
		return []models.Message{}, nil
	}
	start := len(rec.messages) - n
	if start < 0 {
		start = 0
	}
	return cloneMessages(rec.messages[start:]), nil
}

func cloneThread(t models.Thread) models.Thread {
	if t.Metadata != nil {
		t.Metadata = append([]byte(nil), t.Metadata...)
	}
	return t
}

func cloneMessage(m models.Message) models.Message {
	m.Parts = append([]models.MessagePart(nil), m.Parts...)
	return m
}

func cloneMessages(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	for i := range in {
		out[i] = cloneMessage(in[i])
	}
	return out
}
