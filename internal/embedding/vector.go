package embedding

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	vectorBlobHeaderSize = 4
	vectorValueByteSize  = 4
)

// EncodeVector encodes a vector into its persisted blob form.
// Format: [4-byte little-endian dimension][N x 4-byte little-endian float32 values].
func EncodeVector(v Vector) ([]byte, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}
	if uint64(len(v)) > math.MaxUint32 {
		return nil, fmt.Errorf("encode vector: dimension too large: %d", len(v))
	}

	blob := make([]byte, vectorBlobHeaderSize+len(v)*vectorValueByteSize)
	binary.LittleEndian.PutUint32(blob[:vectorBlobHeaderSize], uint32(len(v)))

	offset := vectorBlobHeaderSize
	for i, value := range v {
		if !isFinite(value) {
			return nil, fmt.Errorf("encode vector: invalid value at index %d", i)
		}
		binary.LittleEndian.PutUint32(blob[offset:offset+vectorValueByteSize], math.Float32bits(value))
		offset += vectorValueByteSize
	}
	return blob, nil
}

// DecodeVector decodes a blob produced by EncodeVector.
func DecodeVector(blob []byte) (Vector, error) {
	if len(blob) < vectorBlobHeaderSize {
		return nil, fmt.Errorf("decode vector: invalid blob length: %d", len(blob))
	}

	dim := int(binary.LittleEndian.Uint32(blob[:vectorBlobHeaderSize]))
	if dim <= 0 {
		return nil, fmt.Errorf("decode vector: invalid dimension: %d", dim)
	}
	payload := len(blob) - vectorBlobHeaderSize
	if payload%vectorValueByteSize != 0 || payload/vectorValueByteSize != dim {
		return nil, fmt.Errorf("decode vector: dimension mismatch: dim=%d payload=%d", dim, payload)
	}

	v := make(Vector, dim)
	offset := vectorBlobHeaderSize
	for i := range v {
		value := math.Float32frombits(binary.LittleEndian.Uint32(blob[offset : offset+vectorValueByteSize]))
		if !isFinite(value) {
			return nil, fmt.Errorf("decode vector: invalid value at index %d", i)
		}
		v[i] = value
		offset += vectorValueByteSize
	}
	return v, nil
}

func isFinite(f float32) bool {
	v := float64(f)
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
