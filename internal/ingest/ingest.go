// Package ingest loads local documents into the content cache under
// local:// keys and keeps their chunk embeddings current.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"ragent/internal/config"
	"ragent/internal/embedding"
	"ragent/internal/fetch"
	"ragent/internal/logging"
	"ragent/internal/retrieval"
	"ragent/internal/store"
	"ragent/internal/types"
)

// Outcome is what happened to one file.
type Outcome string

const (
	OutcomeIngested  Outcome = "ingested"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
)

var extensions = map[string]string{
	".md":       "markdown",
	".markdown": "markdown",
	".mdx":      "markdown",
	".txt":      "text",
	".text":     "text",
	".rst":      "text",
	".html":     "html",
	".htm":      "html",
}

// Supported reports whether path has an extension the ingester reads.
func Supported(path string) bool {
	_, ok := extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Stats summarizes one ingestion run.
type Stats struct {
	Files     int
	Ingested  int
	Unchanged int
	Skipped   int
	Embedded  int // documents whose chunk vectors were (re)computed
	Errors    []string
}

func (s *Stats) add(o Stats) {
	s.Files += o.Files
	s.Ingested += o.Ingested
	s.Unchanged += o.Unchanged
	s.Skipped += o.Skipped
	s.Embedded += o.Embedded
	s.Errors = append(s.Errors, o.Errors...)
}

// Ingester reads files into the store. A nil embedder stores documents
// without chunk vectors.
type Ingester struct {
	store    *store.Store
	embedder embedding.Engine
	cfg      config.RetrievalConfig
}

// New returns an Ingester.
func New(s *store.Store, embedder embedding.Engine, cfg config.RetrievalConfig) *Ingester {
	if cfg.ChunkTargetChars <= 0 {
		cfg.ChunkTargetChars = config.DefaultRetrievalConfig().ChunkTargetChars
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = config.DefaultRetrievalConfig().MaxFileBytes
	}
	return &Ingester{store: s, embedder: embedder, cfg: cfg}
}

// Model is the key chunk vectors are stored under, empty without an embedder.
func (in *Ingester) Model() string {
	if in.embedder == nil {
		return ""
	}
	return in.embedder.Name()
}

// IngestPaths ingests every path, collecting failures into the stats.
func (in *Ingester) IngestPaths(ctx context.Context, paths []string) Stats {
	var total Stats
	for _, p := range paths {
		st, err := in.IngestPath(ctx, p)
		total.add(st)
		if err != nil {
			total.Errors = append(total.Errors, err.Error())
		}
		if ctx.Err() != nil {
			break
		}
	}
	return total
}

// IngestPath ingests a file, or every supported file under a directory.
// Hidden directories are not descended into.
func (in *Ingester) IngestPath(ctx context.Context, path string) (Stats, error) {
	timer := logging.StartTimer(logging.CategoryIngest, "ingest.IngestPath")
	defer timer.Stop()

	var st Stats
	info, err := os.Stat(path)
	if err != nil {
		return st, fmt.Errorf("ingest %s: %w", path, err)
	}
	if !info.IsDir() {
		in.record(ctx, &st, path)
		return st, nil
	}

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			st.Errors = append(st.Errors, err.Error())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if Supported(p) {
			in.record(ctx, &st, p)
		}
		return nil
	})
	logging.Ingest("Ingested %s: %d files, %d new or changed, %d unchanged, %d embedded",
		path, st.Files, st.Ingested, st.Unchanged, st.Embedded)
	return st, err
}

func (in *Ingester) record(ctx context.Context, st *Stats, path string) {
	st.Files++
	outcome, embedded, err := in.ingest(ctx, path)
	if err != nil {
		st.Errors = append(st.Errors, err.Error())
		logging.IngestWarn("Ingest %s failed: %v", path, err)
	}
	switch outcome {
	case OutcomeIngested:
		st.Ingested++
	case OutcomeUnchanged:
		st.Unchanged++
	case OutcomeSkipped:
		st.Skipped++
	}
	if embedded {
		st.Embedded++
	}
}

// IngestFile ingests one file.
func (in *Ingester) IngestFile(ctx context.Context, path string) (Outcome, error) {
	outcome, _, err := in.ingest(ctx, path)
	return outcome, err
}

func (in *Ingester) ingest(ctx context.Context, path string) (Outcome, bool, error) {
	kind, ok := extensions[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return OutcomeSkipped, false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return OutcomeSkipped, false, err
	}
	if info.Size() > in.cfg.MaxFileBytes {
		logging.IngestDebug("Skipping %s: %d bytes exceeds limit", path, info.Size())
		return OutcomeSkipped, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return OutcomeSkipped, false, err
	}
	if !utf8.Valid(data) {
		return OutcomeSkipped, false, types.NewInvalidInput("ingest", "%s is not valid UTF-8", path)
	}

	key, err := store.LocalURL(path)
	if err != nil {
		return OutcomeSkipped, false, err
	}
	title, body, links, err := extract(kind, data, key)
	if err != nil {
		return OutcomeSkipped, false, err
	}
	if strings.TrimSpace(body) == "" {
		return OutcomeSkipped, false, nil
	}
	if title == "" {
		title = filepath.Base(path)
	}

	outcome := OutcomeIngested
	if prev, err := in.store.GetEntry(ctx, key); err == nil && prev != nil && prev.ContentHash == store.ContentHash(body) {
		outcome = OutcomeUnchanged
	}

	id, err := in.store.Cache(ctx, key, body, title, links, false)
	if err != nil {
		return OutcomeSkipped, false, err
	}
	embedded, err := in.embed(ctx, id, body)
	return outcome, embedded, err
}

func extract(kind string, data []byte, key string) (title, body string, links []string, err error) {
	switch kind {
	case "markdown":
		title, body = MarkdownText(data)
		return title, body, nil, nil
	case "html":
		doc, err := fetch.Convert(string(data), key)
		if err != nil {
			return "", "", nil, err
		}
		return doc.Title, doc.Content, doc.Links, nil
	default:
		return "", strings.TrimSpace(string(data)), nil, nil
	}
}

// embed computes chunk vectors when the stored ones are missing or stale.
func (in *Ingester) embed(ctx context.Context, cacheID, body string) (bool, error) {
	if in.embedder == nil {
		return false, nil
	}
	model := in.Model()
	hash := store.ContentHash(body)
	need, err := in.store.NeedsEmbedding(ctx, cacheID, model, hash)
	if err != nil || !need {
		return false, err
	}

	chunks := retrieval.ChunkText(body, in.cfg.ChunkTargetChars, in.cfg.ChunkOverlapChars)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := in.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return false, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vecs) != len(chunks) {
		return false, types.NewProtocolError("ingest.embed", "got %d vectors for %d chunks", len(vecs), len(chunks))
	}

	out := make([]store.ChunkVector, len(chunks))
	for i, c := range chunks {
		out[i] = store.ChunkVector{Index: c.Index, Text: c.Text, Vector: vecs[i]}
	}
	if err := in.store.SaveChunkEmbeddings(ctx, cacheID, model, hash, out); err != nil {
		return false, err
	}
	logging.IngestDebug("Embedded %d chunks for %s", len(out), cacheID)
	return true, nil
}

// Remove drops the cached copy of a deleted file.
func (in *Ingester) Remove(ctx context.Context, path string) (bool, error) {
	key, err := store.LocalURL(path)
	if err != nil {
		return false, err
	}
	return in.store.Invalidate(ctx, key)
}

// PathsInQuery returns the existing files and directories a query names.
// Tokens count when they look like paths and exist on disk.
func PathsInQuery(query string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range strings.Fields(query) {
		tok = strings.TrimRight(strings.Trim(tok, "\"'`()[]{}<>,;:!?"), ".")
		if tok == "" || strings.Contains(tok, "://") {
			continue
		}
		if !strings.ContainsRune(tok, os.PathSeparator) && !strings.ContainsRune(tok, '/') && !Supported(tok) {
			continue
		}
		if strings.HasPrefix(tok, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				tok = filepath.Join(home, tok[2:])
			}
		}
		if seen[tok] {
			continue
		}
		if _, err := os.Stat(tok); err == nil {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}
