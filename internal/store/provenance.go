package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcliao/troupe-memory/internal/model"
)

// Provenance returns the episodic records a semantic record was consolidated
// from, in the order they were merged. Records that are not consolidation
// results have no provenance. Sources removed since are reported as missing.
func (s *SQLiteStore) Provenance(ctx context.Context, id int64) (*ProvenanceResult, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	out := &ProvenanceResult{Record: *rec, Sources: []model.Record{}}
	if rec.Type != model.Semantic {
		return out, nil
	}

	for _, srcID := range rec.ConsolidatedFrom() {
		src, err := s.Get(ctx, srcID)
		if errors.Is(err, ErrNotFound) {
			out.Missing = append(out.Missing, srcID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", srcID, err)
		}
		out.Sources = append(out.Sources, *src)
	}
	return out, nil
}

// ProvenanceResult pairs a record with its consolidation sources.
type ProvenanceResult struct {
	Record  model.Record   `json:"record"`
	Sources []model.Record `json:"sources"`
	Missing []int64        `json:"missing,omitempty"`
}
