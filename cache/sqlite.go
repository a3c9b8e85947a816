package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/placedex/querycache/compress"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db   *sql.DB
	cfg  config
	once sync.Once
}

var _ Store = (*sqliteStore)(nil)

// NewSQLiteStore returns a Store backed by SQLite. If dbPath is empty or
// ":memory:", an in-memory database is used; a file path gives a cache
// that survives restarts. WAL mode is enabled for concurrent read
// performance. With WithCompressionThreshold, payloads above the threshold
// are stored gzip-compressed.
func NewSQLiteStore(dbPath string, opts ...Option) (Store, error) {
	cfg := applyOptions(opts)
	memory := dbPath == "" || dbPath == ":memory:"
	dsn := ":memory:"
	if !memory {
		// _pragma applies to every pooled connection, which matters for
		// busy_timeout since it is per-connection state.
		dsn = "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if memory {
		// A second pooled connection would open its own empty in-memory
		// database, so pin the pool to one connection.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS query_cache (
		key TEXT PRIMARY KEY,
		query_template TEXT NOT NULL,
		payload BLOB NOT NULL,
		category TEXT,
		compressed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		hits INTEGER NOT NULL DEFAULT 1
	)`); err != nil {
		db.Close()
		return nil, err
	}

	// Indexes for the sweep and for category invalidation.
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_query_cache_expires_at ON query_cache(expires_at)`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_query_cache_category ON query_cache(category)`); err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteStore{db: db, cfg: cfg}, nil
}

func (s *sqliteStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *sqliteStore) Get(ctx context.Context, key string, now time.Time) (bool, *Entry, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var e Entry
	var category sql.NullString
	var compressed bool
	var createdAt, expiresAt int64
	err := s.db.QueryRowContext(qctx,
		`SELECT query_template, payload, category, compressed, created_at, expires_at, hits
		FROM query_cache WHERE key = ?`, key,
	).Scan(&e.QueryTemplate, &e.Payload, &category, &compressed, &createdAt, &expiresAt, &e.Hits)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}

	if expiresAt < now.UnixNano() {
		// Lazily delete the expired row. The expires_at guard keeps a
		// concurrent refresh that just replaced the row alive.
		_, _ = s.db.ExecContext(qctx,
			`DELETE FROM query_cache WHERE key = ? AND expires_at < ?`, key, now.UnixNano())
		return false, nil, nil
	}

	e.Key = key
	e.Category = category.String
	e.CreatedAt = time.Unix(0, createdAt)
	e.ExpiresAt = time.Unix(0, expiresAt)
	if compressed {
		data, err := compress.Gunzip(e.Payload)
		if err != nil {
			return false, nil, fmt.Errorf("cache: failed to decompress payload: %w", err)
		}
		e.Payload = data
	}
	return true, &e, nil
}

func (s *sqliteStore) Put(ctx context.Context, e *Entry) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	payload := e.Payload
	compressed := false
	if s.cfg.compressionThreshold > 0 && len(payload) > s.cfg.compressionThreshold {
		if data, err := compress.Gzip(payload); err == nil && len(data) < len(payload) {
			payload = data
			compressed = true
		}
	}
	category := sql.NullString{String: e.Category, Valid: e.Category != ""}

	// A single upsert so concurrent writers for one key converge on one
	// row. The overwrite keeps created_at and bumps the hit counter.
	_, err := s.db.ExecContext(qctx,
		`INSERT INTO query_cache (key, query_template, payload, category, compressed, created_at, expires_at, hits)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET
			query_template = excluded.query_template,
			payload = excluded.payload,
			category = excluded.category,
			compressed = excluded.compressed,
			expires_at = excluded.expires_at,
			hits = query_cache.hits + 1`,
		e.Key, e.QueryTemplate, payload, category, compressed,
		e.CreatedAt.UnixNano(), e.ExpiresAt.UnixNano())
	return err
}

func (s *sqliteStore) Touch(ctx context.Context, key string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx, `UPDATE query_cache SET hits = hits + 1 WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) Hits(ctx context.Context, key string) (bool, int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var hits int64
	err := s.db.QueryRowContext(qctx, `SELECT hits FROM query_cache WHERE key = ?`, key).Scan(&hits)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, hits, nil
}

func (s *sqliteStore) DeleteCategory(ctx context.Context, category string) (int64, error) {
	if category == "" {
		return 0, nil
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	result, err := s.db.ExecContext(qctx, `DELETE FROM query_cache WHERE category = ?`, category)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *sqliteStore) DeleteSource(ctx context.Context, source string) (int64, error) {
	if source == "" {
		return 0, nil
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	pattern := escapeLike(source) + ":%"
	result, err := s.db.ExecContext(qctx,
		`DELETE FROM query_cache WHERE category = ? OR category LIKE ? ESCAPE '\'`,
		source, pattern)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *sqliteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	result, err := s.db.ExecContext(qctx, `DELETE FROM query_cache WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *sqliteStore) Clear(ctx context.Context) (int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	result, err := s.db.ExecContext(qctx, `DELETE FROM query_cache`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *sqliteStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var stats Stats
	var minCreated, maxCreated int64
	err := s.db.QueryRowContext(qctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN expires_at < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(LENGTH(payload)), 0),
			COALESCE(AVG(hits), 0),
			COALESCE(MAX(hits), 0),
			COALESCE(MIN(created_at), 0),
			COALESCE(MAX(created_at), 0)
		FROM query_cache`, now.UnixNano(),
	).Scan(&stats.Entries, &stats.Expired, &stats.PayloadBytes, &stats.AvgHits,
		&stats.MaxHits, &minCreated, &maxCreated)
	if err != nil {
		return Stats{}, err
	}
	if stats.Entries > 0 {
		stats.OldestAge = now.Sub(time.Unix(0, minCreated))
		stats.NewestAge = now.Sub(time.Unix(0, maxCreated))
	}
	return stats, nil
}

func (s *sqliteStore) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}

// escapeLike escapes LIKE wildcards so a source name containing % or _
// cannot over-match.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
