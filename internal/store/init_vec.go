//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register sqlite-vec as an auto-loaded extension of the mattn/go-sqlite3
	// driver so vec_distance_cosine is available on "sqlite3" connections.
	vec.Auto()
}
