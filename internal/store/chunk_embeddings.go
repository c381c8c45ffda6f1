package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ragent/internal/embedding"
	"ragent/internal/logging"
)

// ChunkVector is one embedded chunk of a cache entry.
type ChunkVector struct {
	Index  int
	Text   string
	Vector []float32
}

// ChunkHit is a chunk returned by SearchChunks.
type ChunkHit struct {
	CacheID    string
	URL        string
	Title      string
	Index      int
	Text       string
	Similarity float64
}

// SearchOptions narrows SearchChunks.
type SearchOptions struct {
	CacheIDs  []string // restrict to these entries
	LocalOnly bool     // restrict to filesystem entries
	Limit     int
}

// NeedsEmbedding reports whether entry cacheID lacks vectors from model for
// its current content.
func (s *Store) NeedsEmbedding(ctx context.Context, cacheID, model, contentHash string) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash FROM chunk_embedding_status WHERE cache_id = ? AND model = ?`,
		cacheID, model).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return stored != contentHash, nil
}

// SaveChunkEmbeddings replaces the vectors of (cacheID, model) and records
// which content they were computed from.
func (s *Store) SaveChunkEmbeddings(ctx context.Context, cacheID, model, contentHash string, chunks []ChunkVector) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunk_embeddings WHERE cache_id = ? AND model = ?`, cacheID, model); err != nil {
			return fmt.Errorf("clear vectors: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO chunk_embeddings (cache_id, model, chunk_index, text, embedding) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, cacheID, model, c.Index, c.Text, embedding.SerializeVector(c.Vector)); err != nil {
				return fmt.Errorf("insert chunk %d: %w", c.Index, err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunk_embedding_status (cache_id, model, content_hash, chunk_count, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(cache_id, model) DO UPDATE SET
				content_hash = excluded.content_hash,
				chunk_count = excluded.chunk_count,
				updated_at = excluded.updated_at`,
			cacheID, model, contentHash, len(chunks), s.nowMillis())
		return err
	})
	if err != nil {
		return fmt.Errorf("save chunk embeddings for %s: %w", cacheID, err)
	}
	logging.StoreDebug("Stored %d chunk vectors for %s (model=%s)", len(chunks), cacheID, model)
	return nil
}

// ChunkEmbeddings returns the stored vectors of (cacheID, model) in order.
func (s *Store) ChunkEmbeddings(ctx context.Context, cacheID, model string) ([]ChunkVector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index, text, embedding FROM chunk_embeddings
		 WHERE cache_id = ? AND model = ? ORDER BY chunk_index`, cacheID, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChunkVector
	for rows.Next() {
		var c ChunkVector
		var blob []byte
		if err := rows.Scan(&c.Index, &c.Text, &blob); err != nil {
			return nil, err
		}
		if c.Vector, err = embedding.DeserializeVector(blob); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchChunks ranks the live chunks embedded with model by cosine similarity
// to query. Chunks whose dimension differs from the query are ignored.
func (s *Store) SearchChunks(ctx context.Context, model string, query []float32, opts SearchOptions) ([]ChunkHit, error) {
	if len(query) == 0 {
		return nil, nil
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	where := []string{"ce.model = ?", "c.expires_at > ?", "length(ce.embedding) = ?"}
	args := []any{model, s.nowMillis(), 4 * len(query)}
	if opts.LocalOnly {
		where = append(where, "c.url LIKE 'local://%'")
	}
	if len(opts.CacheIDs) > 0 {
		where = append(where, "ce.cache_id IN (?"+strings.Repeat(", ?", len(opts.CacheIDs)-1)+")")
		for _, id := range opts.CacheIDs {
			args = append(args, id)
		}
	}
	from := ` FROM chunk_embeddings ce JOIN content_cache c ON c.id = ce.cache_id WHERE ` + strings.Join(where, " AND ")

	if s.vectorSQL {
		blob := embedding.SerializeVector(query)
		q := `SELECT ce.cache_id, c.url, c.title, ce.chunk_index, ce.text, ` + distanceFunc + `(ce.embedding, ?) AS dist` +
			from + ` ORDER BY dist ASC, ce.cache_id, ce.chunk_index LIMIT ?`
		rows, err := s.db.QueryContext(ctx, q, append(append([]any{blob}, args...), opts.Limit)...)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		defer rows.Close()

		var hits []ChunkHit
		for rows.Next() {
			var h ChunkHit
			var dist float64
			if err := rows.Scan(&h.CacheID, &h.URL, &h.Title, &h.Index, &h.Text, &dist); err != nil {
				return nil, err
			}
			h.Similarity = 1 - dist
			hits = append(hits, h)
		}
		return hits, rows.Err()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ce.cache_id, c.url, c.title, ce.chunk_index, ce.text, ce.embedding`+from, args...)
	if err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var h ChunkHit
		var blob []byte
		if err := rows.Scan(&h.CacheID, &h.URL, &h.Title, &h.Index, &h.Text, &blob); err != nil {
			return nil, err
		}
		vec, err := embedding.DeserializeVector(blob)
		if err != nil {
			continue
		}
		if h.Similarity, err = embedding.CosineSimilarity(query, vec); err != nil {
			continue
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if hits[i].CacheID != hits[j].CacheID {
			return hits[i].CacheID < hits[j].CacheID
		}
		return hits[i].Index < hits[j].Index
	})
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}
