// Package testutil provides deterministic embedders and clocks for tests.
package testutil

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/rcliao/troupe-memory/internal/embedding"
)

// concepts maps synonyms onto a shared dimension, so that sentences about
// the same thing in different words land close together.
var concepts = map[string]int{
	"red": 0, "crimson": 0, "scarlet": 0,
	"car": 1, "cars": 1, "vehicle": 1, "automobile": 1, "truck": 1,
	"cat": 2, "cats": 2, "kitten": 2, "dog": 2, "dogs": 2, "pet": 2, "pets": 2,
	"stock": 3, "stocks": 3, "market": 3, "shares": 3, "price": 3, "prices": 3,
	"rain": 4, "rainy": 4, "weather": 4, "storm": 4, "sunny": 4,
	"coffee": 5, "espresso": 5, "latte": 5,
	"launch": 6, "release": 6, "ship": 6, "shipping": 6,
	"budget": 7, "cost": 7, "costs": 7, "expensive": 7, "cheap": 7,
}

const (
	conceptDims = 8
	noiseDims   = 32
	noiseWeight = 0.1
)

// ConceptEmbedder embeds text as a bag of concepts. Known words add 1 to
// their concept dimension; other words add a small weight to a hashed
// bucket. The result is L2-normalized.
type ConceptEmbedder struct {
	calls atomic.Int64
}

// NewConceptEmbedder returns a ConceptEmbedder.
func NewConceptEmbedder() *ConceptEmbedder { return &ConceptEmbedder{} }

func (e *ConceptEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.calls.Add(1)

	v := make(embedding.Vector, conceptDims+noiseDims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		if dim, ok := concepts[w]; ok {
			v[dim]++
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		v[conceptDims+int(h.Sum32()%noiseDims)] += noiseWeight
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// Keep empty text embeddable: a fixed unit vector in the last bucket.
		v[len(v)-1] = 1
		return v, nil
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v, nil
}

func (e *ConceptEmbedder) Dims() int     { return conceptDims + noiseDims }
func (e *ConceptEmbedder) Model() string { return "test/concepts" }

// Calls reports how many times Embed has run.
func (e *ConceptEmbedder) Calls() int64 { return e.calls.Load() }

// ErrEmbedFailed is returned by FailingEmbedder.
var ErrEmbedFailed = errors.New("embedding backend unavailable")

// FailingEmbedder wraps an embedder and fails every call while Fail is set.
type FailingEmbedder struct {
	Next embedding.Embedder
	Fail atomic.Bool
}

func (e *FailingEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if e.Fail.Load() {
		return nil, ErrEmbedFailed
	}
	return e.Next.Embed(ctx, text)
}

func (e *FailingEmbedder) Dims() int     { return e.Next.Dims() }
func (e *FailingEmbedder) Model() string { return e.Next.Model() }

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at start.
func NewClock(start time.Time) *Clock { return &Clock{now: start} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
