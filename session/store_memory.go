package session

import (
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store. Sessions are lost on
// restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Element
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Element)}
}

func (s *MemoryStore) Load(token string) (Element, error) {
	s.mu.RLock()
	element, ok := s.data[token]
	s.mu.RUnlock()
	if !ok {
		return Element{}, ErrSessionNotFound
	}
	if time.Now().After(element.ExpiresAt) {
		_ = s.Delete(token)
		return Element{}, ErrSessionNotFound
	}
	return element, nil
}

func (s *MemoryStore) Save(token string, element Element) error {
	s.mu.Lock()
	s.data[token] = element
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(token string) error {
	s.mu.Lock()
	delete(s.data, token)
	s.mu.Unlock()
	return nil
}
