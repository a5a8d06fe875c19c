package dlq

import (
	"container/list"
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore is an in-process bounded FIFO. Its contents are lost on exit.
type MemoryStore struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List               // *DeadLetterItem, oldest at the front
	byID    map[string]*list.Element // id -> element in order
}

// NewMemoryStore creates a store holding at most maxSize items.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MemoryStore{
		maxSize: maxSize,
		order:   list.New(),
		byID:    make(map[string]*list.Element),
	}
}

// Push implements Store.
func (s *MemoryStore) Push(_ context.Context, item *DeadLetterItem) (int, error) {
	if item == nil {
		return 0, errors.New("nil dead letter item")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for s.order.Len() >= s.maxSize {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.byID, oldest.Value.(*DeadLetterItem).ID)
		evicted++
	}

	s.byID[item.ID] = s.order.PushBack(item.Clone())
	return evicted, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*DeadLetterItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]*DeadLetterItem, 0, s.order.Len())
	for e := s.order.Front(); e != nil; e = e.Next() {
		items = append(items, e.Value.(*DeadLetterItem).Clone())
	}
	return items, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, item *DeadLetterItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[item.ID]
	if !ok {
		return errors.Wrap(ErrItemNotFound, item.ID)
	}
	e.Value = item.Clone()
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byID[id]; ok {
		s.order.Remove(e)
		delete(s.byID, id)
	}
	return nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len(), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}
