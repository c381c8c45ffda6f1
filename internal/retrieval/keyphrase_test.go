package retrieval

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestExtractKeyphrases(t *testing.T) {
	got := ExtractKeyphrases("Compare the performance of Rust async runtimes and Go goroutines", 0)
	want := []string{"rust async runtimes", "go goroutines", "compare", "performance"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("keyphrases mismatch (-want +got):\n%s", diff)
	}

	assert.Len(t, ExtractKeyphrases("Compare the performance of Rust async runtimes and Go goroutines", 2), 2)
	assert.Empty(t, ExtractKeyphrases("the and of to", 5))
	assert.Equal(t, []string{"sqlite"}, ExtractKeyphrases("SQLite, sqlite.", 5))
}
