package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv is a workspace with a config pointing at fake backends.
type testEnv struct {
	dir    string
	config string

	mu           sync.Mutex
	chatRequests []string
}

func newTestEnv(t *testing.T, searchURL string) *testEnv {
	t.Helper()
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("RAGENT_LLM_BASE_URL", "")
	t.Setenv("RAGENT_CACHE_DB", "")
	t.Setenv("RAGENT_SEARCH_URL", "")

	env := &testEnv{dir: t.TempDir()}
	llmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		env.mu.Lock()
		env.chatRequests = append(env.chatRequests, string(body))
		env.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Go 1.23 is the latest release."},"finish_reason":"stop"}],`+
			`"usage":{"prompt_tokens":50,"completion_tokens":7,"total_tokens":57}}`)
	}))
	t.Cleanup(llmServer.Close)

	if searchURL == "" {
		searchURL = "http://127.0.0.1:1"
	}
	yaml := fmt.Sprintf(`llm:
  base_url: %s
  model: test-model
  max_retries: 0
embedding:
  provider: genai
search:
  provider: searxng
  base_url: %s
cache:
  path: %s
usage:
  path: %s
logging:
  file: %s
`, llmServer.URL, searchURL,
		filepath.Join(env.dir, "cache.db"),
		filepath.Join(env.dir, "usage.json"),
		filepath.Join(env.dir, "ragent.log"))
	env.config = filepath.Join(env.dir, "config.yaml")
	require.NoError(t, os.WriteFile(env.config, []byte(yaml), 0o644))
	return env
}

// run executes the CLI with a fresh set of command flags.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	askNoPreload, askShowContext, askMaxTurns = false, false, 0
	memoryLimit = 50
	verbose = false

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestJoinArgs(t *testing.T) {
	assert.Equal(t, "one two three", joinArgs([]string{"one", "two", " three "}))
	assert.Equal(t, "one two three", joinArgs([]string{" one  two", "\tthree"}))
	assert.Empty(t, joinArgs(nil))
}

func TestMemoryCommands(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, "memory", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No facts remembered.")

	out, err = env.run(t, "memory", "add", "prefers", "Go", "examples")
	require.NoError(t, err)
	assert.Contains(t, out, "remembered fact #1")

	out, err = env.run(t, "memory", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "#1")
	assert.Contains(t, out, "prefers Go examples")

	out, err = env.run(t, "memory", "forget", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "forgot fact #1")

	_, err = env.run(t, "memory", "forget", "1")
	assert.Error(t, err)
	_, err = env.run(t, "memory", "forget", "abc")
	assert.Error(t, err)
}

func TestIngestAndCacheCommands(t *testing.T) {
	env := newTestEnv(t, "")
	docs := filepath.Join(env.dir, "docs")
	require.NoError(t, os.MkdirAll(docs, 0o755))
	note := filepath.Join(docs, "channels.md")
	require.NoError(t, os.WriteFile(note, []byte("# Channels\n\nUnbuffered channels synchronize sender and receiver.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "image.png"), []byte{0x89, 'P', 'N', 'G'}, 0o644))

	out, err := env.run(t, "ingest", docs)
	require.NoError(t, err)
	assert.Contains(t, out, "ingested=1")
	assert.Contains(t, out, "embedded=0")

	out, err = env.run(t, "ingest", docs)
	require.NoError(t, err)
	assert.Contains(t, out, "unchanged=1")

	out, err = env.run(t, "cache", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "entries:           1")
	assert.Contains(t, out, "local documents:   1")

	out, err = env.run(t, "cache", "get", note)
	require.NoError(t, err)
	assert.Contains(t, out, "# Channels")
	assert.Contains(t, out, "Unbuffered channels synchronize sender and receiver.")

	out, err = env.run(t, "cache", "invalidate", note)
	require.NoError(t, err)
	assert.Contains(t, out, "invalidated")

	_, err = env.run(t, "cache", "get", note)
	assert.Error(t, err)

	out, err = env.run(t, "cache", "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 expired entries")
}

func TestAsk_WithoutPreload(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, "ask", "--no-preload", "which", "go", "release", "is", "newest?")
	require.NoError(t, err)
	assert.Equal(t, "Go 1.23 is the latest release.\n", out)

	require.Len(t, env.chatRequests, 1)
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		Tools []struct {
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal([]byte(env.chatRequests[0]), &req))
	assert.Equal(t, "test-model", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "which go release is newest?", req.Messages[1].Content)

	var names []string
	for _, tool := range req.Tools {
		names = append(names, tool.Function.Name)
	}
	assert.Equal(t, []string{"web_fetch", "fetch_urls", "web_search", "get_relevant_content", "remember_fact"}, names)

	out, err = env.run(t, "usage")
	require.NoError(t, err)
	assert.Contains(t, out, "Total: 57 tokens (50 in, 7 out)")
	assert.Contains(t, out, "test-model: 1 calls")
}

func TestAsk_PreloadsWebResults(t *testing.T) {
	searchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[{"title":"Go 1.23 Release Notes","url":"https://go.dev/doc/go1.23",`+
			`"content":"The latest Go release, version 1.23, arrives six months after Go 1.22.","engine":"duckduckgo"}]}`)
	}))
	defer searchServer.Close()
	env := newTestEnv(t, searchServer.URL)

	out, err := env.run(t, "ask", "--show-context", "what is the latest go release?")
	require.NoError(t, err)
	assert.Contains(t, out, "https://go.dev/doc/go1.23")
	assert.True(t, strings.HasSuffix(out, "Go 1.23 is the latest release.\n"))

	require.Len(t, env.chatRequests, 1)
	assert.Contains(t, env.chatRequests[0], "six months after Go 1.22")
}
