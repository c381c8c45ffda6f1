package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"ragent/internal/logging"
	"ragent/internal/types"
)

// SummaryStatus tracks background summarization of a cache entry.
type SummaryStatus string

const (
	SummaryNone    SummaryStatus = "none"
	SummaryPending SummaryStatus = "pending"
	SummaryDone    SummaryStatus = "done"
	SummaryFailed  SummaryStatus = "failed"
)

// CacheEntry is one cached document.
type CacheEntry struct {
	ID             string
	URLHash        string
	URL            string
	Content        string
	Title          string
	Links          []string
	FetchTimestamp time.Time
	ExpiresAt      time.Time
	ContentHash    string
	SummaryStatus  SummaryStatus
	Summary        string
}

// CacheStats summarizes the cache contents.
type CacheStats struct {
	Entries          int
	Expired          int
	Local            int
	PendingSummaries int
	ChunkVectors     int
}

const entryColumns = `id, url_hash, url, content, title, links_json, fetch_timestamp,
	expires_at, content_hash, summary_status, summary`

// Cache stores content under the normalized form of rawURL and returns the
// entry id. Re-caching the same URL updates the existing row in place and
// refreshes its expiry; the id is stable across updates. When
// triggerSummarization is set the entry is queued for summarization unless
// an up-to-date summary already exists.
func (s *Store) Cache(ctx context.Context, rawURL, content, title string, links []string, triggerSummarization bool) (string, error) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return "", types.NewInvalidInput("cache.put", "%v", err)
	}
	if links == nil {
		links = []string{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return "", fmt.Errorf("marshal links: %w", err)
	}

	status := SummaryNone
	if triggerSummarization {
		status = SummaryPending
	}
	now := s.now()
	hash := HashKey(key)

	var id string
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO content_cache (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')
			ON CONFLICT(url_hash) DO UPDATE SET
				url = excluded.url,
				content = excluded.content,
				title = excluded.title,
				links_json = excluded.links_json,
				fetch_timestamp = excluded.fetch_timestamp,
				expires_at = excluded.expires_at,
				summary_status = CASE
					WHEN content_cache.content_hash = excluded.content_hash
						AND content_cache.summary_status IN ('pending', 'done')
					THEN content_cache.summary_status
					ELSE excluded.summary_status END,
				summary = CASE
					WHEN content_cache.content_hash = excluded.content_hash THEN content_cache.summary
					ELSE '' END,
				content_hash = excluded.content_hash`,
			ulid.Make().String(), hash, key, content, title, string(linksJSON),
			now.UnixMilli(), now.Add(s.ttl).UnixMilli(), ContentHash(content), string(status))
		if err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		return tx.QueryRowContext(ctx, `SELECT id FROM content_cache WHERE url_hash = ?`, hash).Scan(&id)
	})
	if err != nil {
		logging.StoreError("Failed to cache %s: %v", key, err)
		return "", err
	}

	logging.StoreDebug("Cached %s (%d chars, id=%s)", key, len(content), id)
	return id, nil
}

// Get returns the live content cached for rawURL. Missing and expired
// entries are both reported as found=false.
func (s *Store) Get(ctx context.Context, rawURL string) (string, bool, error) {
	entry, err := s.GetEntry(ctx, rawURL)
	if err != nil || entry == nil {
		return "", false, err
	}
	return entry.Content, true, nil
}

// GetEntry returns the live entry for rawURL, or nil when there is none.
func (s *Store) GetEntry(ctx context.Context, rawURL string) (*CacheEntry, error) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, types.NewInvalidInput("cache.get", "%v", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM content_cache WHERE url_hash = ? AND expires_at > ?`,
		HashKey(key), s.nowMillis())
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// GetByID returns the live entry with the given id, or nil.
func (s *Store) GetByID(ctx context.Context, id string) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM content_cache WHERE id = ? AND expires_at > ?`, id, s.nowMillis())
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// LocalEntries returns every live entry ingested from the filesystem.
func (s *Store) LocalEntries(ctx context.Context) ([]CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM content_cache
		 WHERE url LIKE 'local://%' AND expires_at > ? ORDER BY url`, s.nowMillis())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// CountLocal returns the number of live filesystem entries.
func (s *Store) CountLocal(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_cache WHERE url LIKE 'local://%' AND expires_at > ?`,
		s.nowMillis()).Scan(&n)
	return n, err
}

// Invalidate deletes the entry for rawURL and its vectors.
func (s *Store) Invalidate(ctx context.Context, rawURL string) (bool, error) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return false, types.NewInvalidInput("cache.invalidate", "%v", err)
	}
	var deleted int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		sub := `(SELECT id FROM content_cache WHERE url_hash = ?)`
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE cache_id IN `+sub, HashKey(key)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_embedding_status WHERE cache_id IN `+sub, HashKey(key)); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM content_cache WHERE url_hash = ?`, HashKey(key))
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted > 0, err
}

// CleanupExpired deletes every expired entry together with its chunk vectors
// and returns the number of entries removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	now := s.nowMillis()
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sub := `(SELECT id FROM content_cache WHERE expires_at <= ?)`
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE cache_id IN `+sub, now); err != nil {
			return fmt.Errorf("delete vectors: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_embedding_status WHERE cache_id IN `+sub, now); err != nil {
			return fmt.Errorf("delete status: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM content_cache WHERE expires_at <= ?`, now)
		if err != nil {
			return fmt.Errorf("delete entries: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		logging.Store("Removed %d expired cache entries", removed)
	}
	return int(removed), nil
}

// Stats reports entry counts.
func (s *Store) Stats(ctx context.Context) (CacheStats, error) {
	var st CacheStats
	now := s.nowMillis()
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN url LIKE 'local://%' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN summary_status = 'pending' THEN 1 ELSE 0 END), 0)
		FROM content_cache`, now).Scan(&st.Entries, &st.Expired, &st.Local, &st.PendingSummaries)
	if err != nil {
		return st, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_embeddings`).Scan(&st.ChunkVectors)
	return st, err
}

// =============================================================================
// SUMMARIES
// =============================================================================

// PendingSummaries returns up to limit live entries queued for summarization.
func (s *Store) PendingSummaries(ctx context.Context, limit int) ([]CacheEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM content_cache
		 WHERE summary_status = 'pending' AND expires_at > ?
		 ORDER BY fetch_timestamp LIMIT ?`, s.nowMillis(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// SetSummary records the outcome of summarizing entry id. The summary is
// discarded if the entry's content changed since it was read.
func (s *Store) SetSummary(ctx context.Context, id, contentHash, summary string, status SummaryStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE content_cache SET summary = ?, summary_status = ? WHERE id = ? AND content_hash = ?`,
			summary, string(status), id, contentHash)
		return err
	})
}

// CachedSummary returns the finished summary of the live entry for rawURL.
func (s *Store) CachedSummary(ctx context.Context, rawURL string) (string, bool) {
	entry, err := s.GetEntry(ctx, rawURL)
	if err != nil || entry == nil || entry.SummaryStatus != SummaryDone || entry.Summary == "" {
		return "", false
	}
	return entry.Summary, true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*CacheEntry, error) {
	var (
		e         CacheEntry
		linksJSON string
		fetched   int64
		expires   int64
		status    string
	)
	if err := row.Scan(&e.ID, &e.URLHash, &e.URL, &e.Content, &e.Title, &linksJSON,
		&fetched, &expires, &e.ContentHash, &status, &e.Summary); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(linksJSON), &e.Links); err != nil {
		logging.StoreWarn("Corrupt links_json for %s: %v", e.URL, err)
	}
	e.FetchTimestamp = time.UnixMilli(fetched)
	e.ExpiresAt = time.UnixMilli(expires)
	e.SummaryStatus = SummaryStatus(status)
	return &e, nil
}
