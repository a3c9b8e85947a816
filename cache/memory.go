package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

var _ Store = (*memoryStore)(nil)

// NewMemoryStore returns an in-process Store backed by a map. It is the
// fastest option; contents are lost on restart and not shared across
// processes.
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[string]*Entry)}
}

func (s *memoryStore) Get(ctx context.Context, key string, now time.Time) (bool, *Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false, nil, nil
	}
	if e.Expired(now) {
		delete(s.entries, key)
		return false, nil, nil
	}
	out := *e
	return true, &out, nil
}

func (s *memoryStore) Put(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[e.Key]; ok {
		existing.QueryTemplate = e.QueryTemplate
		existing.Payload = e.Payload
		existing.Category = e.Category
		existing.ExpiresAt = e.ExpiresAt
		existing.Hits++
		return nil
	}
	clone := *e
	clone.Hits = 1
	s.entries[e.Key] = &clone
	return nil
}

func (s *memoryStore) Touch(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.Hits++
	}
	return nil
}

func (s *memoryStore) Hits(ctx context.Context, key string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false, 0, nil
	}
	return true, e.Hits, nil
}

func (s *memoryStore) DeleteCategory(ctx context.Context, category string) (int64, error) {
	if category == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, e := range s.entries {
		if e.Category == category {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryStore) DeleteSource(ctx context.Context, source string) (int64, error) {
	if source == "" {
		return 0, nil
	}
	prefix := source + ":"
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, e := range s.entries {
		if e.Category == source || strings.HasPrefix(e.Category, prefix) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryStore) Clear(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := int64(len(s.entries))
	s.entries = make(map[string]*Entry)
	return removed, nil
}

func (s *memoryStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	var totalHits int64
	var oldest, newest time.Time
	for _, e := range s.entries {
		stats.Entries++
		if e.Expired(now) {
			stats.Expired++
		}
		stats.PayloadBytes += int64(len(e.Payload))
		totalHits += e.Hits
		if e.Hits > stats.MaxHits {
			stats.MaxHits = e.Hits
		}
		if oldest.IsZero() || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
		if newest.IsZero() || e.CreatedAt.After(newest) {
			newest = e.CreatedAt
		}
	}
	if stats.Entries > 0 {
		stats.AvgHits = float64(totalHits) / float64(stats.Entries)
		stats.OldestAge = now.Sub(oldest)
		stats.NewestAge = now.Sub(newest)
	}
	return stats, nil
}

func (s *memoryStore) Close() error {
	return nil
}
