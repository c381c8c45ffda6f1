package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ragent/internal/config"
	"ragent/internal/embedding/embeddingtest"
	"ragent/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "cache.db"), TTL: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testConfig() config.RetrievalConfig {
	cfg := config.DefaultRetrievalConfig()
	cfg.ChunkTargetChars = 80
	cfg.ChunkOverlapChars = 10
	cfg.MaxFileBytes = 1000
	return cfg
}

func TestIngestPath_Directory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "# Alpha\n\nGoroutines are cheap. Channels connect goroutines. "+strings.Repeat("More text. ", 10))
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "plain notes about sqlite")
	writeFile(t, filepath.Join(dir, "page.html"), "<html><head><title>Page</title></head><body><p>html body</p></body></html>")
	writeFile(t, filepath.Join(dir, ".hidden", "c.md"), "# Hidden")
	writeFile(t, filepath.Join(dir, "big.txt"), strings.Repeat("x", 2000))
	writeFile(t, filepath.Join(dir, "main.go"), "package main")
	writeFile(t, filepath.Join(dir, "empty.md"), "   \n")

	s := openStore(t)
	emb := embeddingtest.NewVocab("goroutines", "sqlite")
	in := New(s, emb, testConfig())

	st, err := in.IngestPath(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Files)
	assert.Equal(t, 3, st.Ingested)
	assert.Equal(t, 2, st.Skipped)
	assert.Equal(t, 3, st.Embedded)
	assert.Empty(t, st.Errors)

	entries, err := s.LocalEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	titles := map[string]bool{}
	for _, e := range entries {
		titles[e.Title] = true
		assert.True(t, store.IsLocal(e.URL))
	}
	assert.Equal(t, map[string]bool{"Alpha": true, "b.txt": true, "Page": true}, titles)

	key, err := store.LocalURL(filepath.Join(dir, "a.md"))
	require.NoError(t, err)
	entry, err := s.GetEntry(ctx, key)
	require.NoError(t, err)
	vecs, err := s.ChunkEmbeddings(ctx, entry.ID, in.Model())
	require.NoError(t, err)
	assert.Greater(t, len(vecs), 1)
}

func TestIngestPath_UnchangedSkipsEmbedding(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.md")
	writeFile(t, path, "# Alpha\n\nfirst version")

	s := openStore(t)
	emb := embeddingtest.NewVocab("version")
	in := New(s, emb, testConfig())

	_, err := in.IngestPath(ctx, dir)
	require.NoError(t, err)
	calls := emb.Calls()

	st, err := in.IngestPath(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Unchanged)
	assert.Zero(t, st.Embedded)
	assert.Equal(t, calls, emb.Calls())

	writeFile(t, path, "# Alpha\n\nsecond version")
	outcome, err := in.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIngested, outcome)
	assert.Equal(t, calls+1, emb.Calls())

	content, found, err := s.Get(ctx, path)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, content, "second version")
}

func TestIngest_WithoutEmbedder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "content")

	in := New(openStore(t), nil, testConfig())
	assert.Empty(t, in.Model())
	st := in.IngestPaths(ctx, []string{dir, filepath.Join(dir, "missing")})
	assert.Equal(t, 1, st.Ingested)
	assert.Zero(t, st.Embedded)
	require.Len(t, st.Errors, 1)
	assert.Contains(t, st.Errors[0], "missing")
}

func TestIngest_EmbeddingFailureKeepsDocument(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "content")

	s := openStore(t)
	emb := embeddingtest.NewVocab("content")
	emb.Err = assert.AnError
	st, err := New(s, emb, testConfig()).IngestPath(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Ingested)
	assert.Zero(t, st.Embedded)
	assert.Len(t, st.Errors, 1)

	n, err := s.CountLocal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "content")

	s := openStore(t)
	in := New(s, nil, testConfig())
	_, err := in.IngestFile(ctx, path)
	require.NoError(t, err)

	removed, err := in.Remove(ctx, path)
	require.NoError(t, err)
	assert.True(t, removed)
	_, found, err := s.Get(ctx, path)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPathsInQuery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "x")

	got := PathsInQuery("summarize " + path + ". and also " + dir + " plus no/such/path and https://example.com/a.md")
	assert.Equal(t, []string{path, dir}, got)
	assert.Empty(t, PathsInQuery("what is the latest go release"))
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("README.md"))
	assert.True(t, Supported("page.HTML"))
	assert.False(t, Supported("main.go"))
}
