package usage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_TrackAggregatesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "usage.json")
	tracker, err := NewTracker(path)
	require.NoError(t, err)

	tracker.Track("qwen", 10, 5, "chat")
	tracker.Track("qwen", 2, 3, "chat")
	tracker.Track("nomic", 40, 0, "embedding")
	tracker.TrackTool("qwen", "web_fetch")
	tracker.TrackTool("qwen", "web_fetch")
	tracker.TrackTool("qwen", "web_search")

	stats := tracker.Stats()
	assert.Equal(t, TokenCounts{Input: 52, Output: 8, Total: 60}, stats.Total)
	assert.Equal(t, int64(12), stats.ByModel["qwen"].InputTokens)
	assert.Equal(t, int64(8), stats.ByModel["qwen"].OutputTokens)
	assert.Equal(t, int64(2), stats.ByModel["qwen"].Calls)
	assert.Equal(t, int64(2), stats.ByModel["qwen"].ToolInvocationCounts["web_fetch"])
	assert.Equal(t, int64(40), stats.ByOperation["embedding"].Total)

	require.NoError(t, tracker.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var persisted UsageData
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, int64(60), persisted.Aggregate.Total.Total)

	reloaded, err := NewTracker(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reloaded.Model("qwen").ToolInvocationCounts["web_search"])
}

func TestTracker_StatsIsACopy(t *testing.T) {
	tracker, err := NewTracker("")
	require.NoError(t, err)
	tracker.TrackTool("m", "t")

	stats := tracker.Stats()
	stats.ByModel["m"].ToolInvocationCounts["t"] = 99

	assert.Equal(t, int64(1), tracker.Model("m").ToolInvocationCounts["t"])
	assert.NoError(t, tracker.Save())
}

func TestTracker_Concurrent(t *testing.T) {
	tracker, err := NewTracker("")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Track("m", 1, 1, "chat")
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(40), tracker.Stats().Total.Total)
}

func TestTracker_NilIsNoop(t *testing.T) {
	var tracker *Tracker
	tracker.Track("m", 1, 1, "chat")
	tracker.TrackTool("m", "t")
}

func TestTracker_ContextHelpers(t *testing.T) {
	tracker, err := NewTracker("")
	require.NoError(t, err)

	ctx := NewContext(context.Background(), tracker)
	assert.Same(t, tracker, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}
