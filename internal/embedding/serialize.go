package embedding

import (
	"encoding/binary"
	"math"

	"ragent/internal/types"
)

// SerializeVector encodes v as consecutive little-endian float32 values.
func SerializeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DeserializeVector decodes a blob written by SerializeVector.
func DeserializeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, types.NewInvalidInput("embedding.deserialize", "blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
