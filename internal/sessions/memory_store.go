package sessions

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/mbd888/sentinel/internal/pagination"
)

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	s.records[rec.Token] = *rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, token string) (*Record, error) {
	s.mu.RLock()
	rec, ok := s.records[token]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) List(ctx context.Context, after *pagination.Cursor, limit int) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if after.After(rec.StartTime, rec.Token) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		if c := b.StartTime.Compare(a.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(b.Token, a.Token)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
