package nonce

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process fallback used when Redis is unavailable
// (tests, local development). Semantics match RedisStore: single-use
// consume under a mutex, TTL expiry checked on access and swept lazily.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]time.Time // token -> expiry
}

// NewMemoryStore creates an in-memory store for one namespace.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		pending: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Generate(ctx context.Context) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.pending[token] = time.Now().Add(s.ttl)
	s.mu.Unlock()
	return token, nil
}

func (s *MemoryStore) Register(ctx context.Context, token string) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiry, ok := s.pending[token]; ok && now.Before(expiry) {
		return false, nil
	}
	s.pending[token] = now.Add(s.ttl)
	return true, nil
}

func (s *MemoryStore) Consume(ctx context.Context, token string) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.pending[token]
	if !ok {
		return false, nil
	}
	// The pending->used transition and the answer form one step: the delete
	// happens under the same lock that read the entry.
	delete(s.pending, token)
	if now.After(expiry) {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) IsValid(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.pending[token]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(s.pending, token)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Invalidate(ctx context.Context, token string) error {
	s.mu.Lock()
	delete(s.pending, token)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CountActive(ctx context.Context) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for token, expiry := range s.pending {
		if now.After(expiry) {
			delete(s.pending, token)
			continue
		}
		count++
	}
	return count, nil
}
