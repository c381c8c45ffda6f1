package store

import (
	"database/sql/driver"
	"fmt"

	sqlite "modernc.org/sqlite"

	"ragent/internal/embedding"
)

// distanceFunc matches the sqlite-vec function name so the same SQL runs on
// the pure-Go driver and on mattn/go-sqlite3 built with the sqlite_vec tag.
const distanceFunc = "vec_distance_cosine"

func init() {
	// Only the modernc driver takes Go scalar functions; sqlite3 connections
	// get the real extension from init_vec.go when it is compiled in.
	_ = sqlite.RegisterDeterministicScalarFunction(distanceFunc, 2, vecDistanceCos)
}

// vecDistanceCos returns 1 - cosine(a, b) for two little-endian float32 blobs.
func vecDistanceCos(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%s expects 2 arguments", distanceFunc)
	}
	a, err := decodeBlob(args[0])
	if err != nil {
		return nil, err
	}
	b, err := decodeBlob(args[1])
	if err != nil {
		return nil, err
	}
	if len(a) == 0 || len(b) == 0 {
		return float64(1), nil
	}
	if len(a) != len(b) {
		return nil, fmt.Errorf("%s: dimension mismatch %d vs %d", distanceFunc, len(a), len(b))
	}
	cos, err := embedding.CosineSimilarity(a, b)
	if err != nil {
		return nil, err
	}
	return 1 - cos, nil
}

func decodeBlob(v driver.Value) ([]float32, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return embedding.DeserializeVector(x)
	case string:
		return embedding.DeserializeVector([]byte(x))
	default:
		return nil, fmt.Errorf("%s: unsupported type %T", distanceFunc, v)
	}
}
