package cache

import (
	"context"
	"time"
)

// Entry is a single cached query result.
type Entry struct {
	// Key is the derived cache key, see DeriveKey.
	Key string
	// QueryTemplate is the parameterized query text the entry was computed
	// from, kept for introspection.
	QueryTemplate string
	// Payload is the msgpack-encoded query result.
	Payload []byte
	// Category optionally groups the entry for invalidation, conventionally
	// "source:qualifier". Entries with an empty category are only removed by
	// expiry or Clear.
	Category string
	// CreatedAt is when the entry was first stored.
	CreatedAt time.Time
	// ExpiresAt is when the entry stops being served.
	ExpiresAt time.Time
	// Hits counts reads of this entry, starting at 1 when it is stored.
	Hits int64
}

// Expired reports whether the entry is past its expiry at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt.Before(now)
}

// Stats is a point-in-time aggregate view over a store. Values are
// approximate under concurrent writes.
type Stats struct {
	// Entries is the number of stored entries, including expired ones that
	// have not been purged yet.
	Entries int64
	// Expired is the number of stored entries past their expiry.
	Expired int64
	// PayloadBytes is the total size of stored payloads as held by the
	// store (compressed entries count their compressed size).
	PayloadBytes int64
	// AvgHits and MaxHits aggregate the per-entry hit counters.
	AvgHits float64
	MaxHits int64
	// OldestAge and NewestAge are measured from entry creation time. Zero
	// when the store is empty.
	OldestAge time.Duration
	NewestAge time.Duration
}

// Store is a durable key→entry mapping. Implementations must make Put a
// single atomic upsert so concurrent writers for one key converge on one
// row, and must never return an entry past its expiry from Get.
type Store interface {
	// Get returns the entry for key if one exists and is fresh at now.
	// Expired entries are treated as misses and may be deleted lazily.
	Get(ctx context.Context, key string, now time.Time) (bool, *Entry, error)

	// Put inserts or overwrites the entry for e.Key atomically. On insert
	// the hit counter starts at 1; on overwrite the existing counter is
	// incremented by one and the payload, template, category and expiry
	// are replaced while the original creation time is kept. Last writer
	// wins; concurrent Puts never error or produce duplicate rows.
	Put(ctx context.Context, e *Entry) error

	// Touch increments the hit counter for key. A missing key is not an
	// error.
	Touch(ctx context.Context, key string) error

	// Hits returns the hit counter for key.
	Hits(ctx context.Context, key string) (bool, int64, error)

	// DeleteCategory removes every entry whose category exactly equals
	// category and returns the number removed.
	DeleteCategory(ctx context.Context, category string) (int64, error)

	// DeleteSource removes every entry whose category equals source or
	// starts with source + ":" and returns the number removed.
	DeleteSource(ctx context.Context, source string) (int64, error)

	// PurgeExpired removes entries past their expiry at now and returns the
	// number removed. It reclaims space only; Get already hides expired
	// entries.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	// Clear removes every entry and returns the number removed.
	Clear(ctx context.Context) (int64, error)

	// Stats aggregates the store's current contents.
	Stats(ctx context.Context, now time.Time) (Stats, error)

	// Close releases the store's resources.
	Close() error
}
