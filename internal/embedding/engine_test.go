package embedding

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.Zero(t, sim)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}

func TestFindTopK(t *testing.T) {
	corpus := [][]float32{{0, 1}, {1, 0}, {1, 1}, {1}}
	results := FindTopK([]float32{1, 0}, corpus, 2)

	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 2, results[1].Index)
}

func TestSerializeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for n := 0; n < 50; n++ {
		v := make([]float32, rng.Intn(64))
		for i := range v {
			v[i] = float32(rng.NormFloat64() * math.Pow(10, float64(rng.Intn(10)-5)))
		}
		got, err := DeserializeVector(SerializeVector(v))
		require.NoError(t, err)
		require.Len(t, got, len(v))
		for i := range v {
			assert.Equal(t, v[i], got[i])
		}
	}
}

func TestSerializeSpecialValues(t *testing.T) {
	v := []float32{0, float32(math.Copysign(0, -1)), math.MaxFloat32, math.SmallestNonzeroFloat32, -1.5}
	blob := SerializeVector(v)
	assert.Len(t, blob, 20)
	// 1.0 little-endian is 00 00 80 3f
	assert.Equal(t, []byte{0, 0, 0x80, 0x3f}, SerializeVector([]float32{1})[:4])

	got, err := DeserializeVector(blob)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestDeserializeRejectsRaggedBlob(t *testing.T) {
	_, err := DeserializeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(Config{Provider: "word2vec"})
	assert.ErrorContains(t, err, "unsupported embedding provider")

	_, err = NewEngine(Config{Provider: "genai"})
	assert.ErrorContains(t, err, "API key is required")

	_, err = NewEngine(Config{Provider: "http"})
	assert.ErrorContains(t, err, "endpoint is required")

	cfg := DefaultConfig()
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	assert.Equal(t, "http:nomic-embed-text", engine.Name())
}

func TestParseTaskType(t *testing.T) {
	assert.Equal(t, "RETRIEVAL_QUERY", parseTaskType("RETRIEVAL_QUERY"))
	assert.Equal(t, "SEMANTIC_SIMILARITY", parseTaskType("bogus"))
}
