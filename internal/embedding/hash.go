package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultHashDims = 256

// HashEmbedder is a local, network-free embedder that projects lowercase word
// tokens onto a fixed number of signed buckets (feature hashing). It only
// captures lexical overlap, but it is deterministic and always available.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder. dims <= 0 selects 256.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = defaultHashDims
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make(Vector, e.dims)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		if sum>>63 == 1 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	normalize(v)
	return v, nil
}

func (e *HashEmbedder) Dims() int     { return e.dims }
func (e *HashEmbedder) Model() string { return fmt.Sprintf("hash/%d", e.dims) }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize scales v to unit length in place. Zero vectors are left as is.
func normalize(v Vector) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}
