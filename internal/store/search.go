package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/troupe-memory/internal/model"
)

// RetrieveRelevant embeds the query and ranks stored records by cosine
// similarity. Ties keep insertion order. An unknown type filter yields no
// results rather than an error.
func (s *SQLiteStore) RetrieveRelevant(ctx context.Context, p RetrieveParams) ([]model.ScoredRecord, error) {
	if p.TopK < 0 {
		return nil, fmt.Errorf("%w: top_k must not be negative, got %d", ErrValidation, p.TopK)
	}
	if p.TopK == 0 {
		return []model.ScoredRecord{}, nil
	}
	if p.Type != "" && !model.ValidTypes[p.Type] {
		return []model.ScoredRecord{}, nil
	}

	start := time.Now()
	defer func() { s.metrics.Retrieval(string(p.Type), time.Since(start)) }()

	q, err := s.embedder.Embed(ctx, p.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ErrProvider, err)
	}
	if len(q) == 0 {
		return nil, fmt.Errorf("%w: empty query embedding", ErrProvider)
	}

	candidates, err := s.candidates(ctx, p.Type, p.ExcludeConsolidated, len(q))
	if err != nil {
		return nil, err
	}

	results := s.index.Rank(q, candidates, p.TopK)
	s.logger.Debug("retrieved memories",
		zap.String("type", string(p.Type)),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(results)))
	return results, nil
}

// candidates loads the retrieval pool in insertion order.
func (s *SQLiteStore) candidates(ctx context.Context, t model.Type, excludeConsolidated bool, dims int) ([]model.Record, error) {
	where := []string{"1 = 1"}
	var args []interface{}
	if t != "" {
		where = append(where, "type = ?")
		args = append(args, string(t))
	}
	if excludeConsolidated {
		where = append(where, "consolidated = 0")
	}

	query := `SELECT ` + recordColumns + ` FROM memories WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY id`
	return s.queryRecords(ctx, dims, query, args...)
}
