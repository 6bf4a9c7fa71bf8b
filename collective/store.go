package collective

import (
	"context"
	"sync"
)

// Store is the rendezvous key/value store groups use to confirm that every
// rank has joined.
type Store interface {
	Set(ctx context.Context, key string, value []byte) error
	// Get blocks until key is present.
	Get(ctx context.Context, key string) ([]byte, error)
	// Wait blocks until every key is present.
	Wait(ctx context.Context, keys ...string) error
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store shared by ranks living in one process.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	changed chan struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string][]byte),
		changed: make(chan struct{}),
	}
}

// Set stores a copy of value under key and wakes pending waiters.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.data[key] = append([]byte(nil), value...)
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	return nil
}

// Get blocks until key is set and returns a copy of its value.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.Wait(ctx, key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data[key]...), nil
}

// Wait blocks until every key is set or ctx is done.
func (s *MemoryStore) Wait(ctx context.Context, keys ...string) error {
	for {
		s.mu.Lock()
		missing := false
		for _, key := range keys {
			if _, ok := s.data[key]; !ok {
				missing = true
				break
			}
		}
		changed := s.changed
		s.mu.Unlock()
		if !missing {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
