// Package similarity ranks memory records against a query embedding.
package similarity

import (
	"sort"

	"github.com/rcliao/troupe-memory/internal/embedding"
	"github.com/rcliao/troupe-memory/internal/model"
)

// Index ranks candidates by similarity to a query vector. Candidates arrive in
// insertion order; implementations return at most topK results, highest
// similarity first, and must break ties by insertion order.
type Index interface {
	Rank(query embedding.Vector, candidates []model.Record, topK int) []model.ScoredRecord
}

// BruteForce scores every candidate with cosine similarity. O(N) per query.
type BruteForce struct{}

// NewBruteForce returns the default exhaustive index.
func NewBruteForce() BruteForce { return BruteForce{} }

func (BruteForce) Rank(query embedding.Vector, candidates []model.Record, topK int) []model.ScoredRecord {
	if topK <= 0 || len(candidates) == 0 {
		return []model.ScoredRecord{}
	}

	scored := make([]model.ScoredRecord, len(candidates))
	for i, c := range candidates {
		scored[i] = model.ScoredRecord{
			Record:     c,
			Similarity: embedding.CosineSimilarity(query, c.Embedding),
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})

	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}
