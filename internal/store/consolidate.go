package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/troupe-memory/internal/embedding"
	"github.com/rcliao/troupe-memory/internal/model"
)

// Consolidate folds groups of similar episodic memories older than
// TimeThreshold into new semantic memories. Each group is committed in its
// own transaction: the semantic record is inserted and its sources are
// flagged together or not at all. Groups committed before a failure stay
// committed.
func (s *SQLiteStore) Consolidate(ctx context.Context, p ConsolidateParams) (*ConsolidationResult, error) {
	if err := validateConsolidate(p); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := s.now().Add(-p.TimeThreshold)
	eligible, err := s.eligible(ctx, cutoff)
	if err != nil {
		s.metrics.ConsolidationRun("error", 0, 0)
		return nil, err
	}

	result := &ConsolidationResult{Eligible: len(eligible), Created: []model.Record{}}
	for _, group := range groupBySeed(eligible, p.SimilarityThreshold) {
		rec, err := s.mergeGroup(ctx, group)
		if err != nil {
			s.metrics.ConsolidationRun("error", result.Groups, result.Consolidated)
			return result, fmt.Errorf("consolidate group seeded by %d: %w", group[0].ID, err)
		}
		result.Groups++
		result.Consolidated += len(group)
		result.Created = append(result.Created, *rec)

		s.logger.Info("consolidated memories",
			zap.Int64("semantic_id", rec.ID),
			zap.Int64s("sources", rec.ConsolidatedFrom()))
	}

	s.metrics.ConsolidationRun("ok", result.Groups, result.Consolidated)
	s.logger.Info("consolidation finished",
		zap.Int("eligible", result.Eligible),
		zap.Int("groups", result.Groups),
		zap.Int("consolidated", result.Consolidated))
	return result, nil
}

func validateConsolidate(p ConsolidateParams) error {
	if p.TimeThreshold < 0 {
		return fmt.Errorf("%w: time threshold must not be negative, got %s", ErrValidation, p.TimeThreshold)
	}
	if p.SimilarityThreshold <= 0 || p.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: similarity threshold must be in (0, 1], got %g", ErrValidation, p.SimilarityThreshold)
	}
	return nil
}

// CountEligible reports how many records a consolidation with the given
// time threshold would consider.
func (s *SQLiteStore) CountEligible(ctx context.Context, timeThreshold time.Duration) (int, error) {
	if timeThreshold < 0 {
		return 0, fmt.Errorf("%w: time threshold must not be negative, got %s", ErrValidation, timeThreshold)
	}
	cutoff := s.now().Add(-timeThreshold)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories
		 WHERE type = 'episodic' AND consolidated = 0 AND timestamp < ?`,
		cutoff.UTC().Format(timeLayout)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count eligible: %w", ErrStorage, err)
	}
	return n, nil
}

// eligible loads unconsolidated episodic records strictly older than cutoff,
// in insertion order.
func (s *SQLiteStore) eligible(ctx context.Context, cutoff time.Time) ([]model.Record, error) {
	return s.queryRecords(ctx, 0,
		`SELECT `+recordColumns+` FROM memories
		 WHERE type = 'episodic' AND consolidated = 0 AND timestamp < ?
		 ORDER BY id`,
		cutoff.UTC().Format(timeLayout))
}

// groupBySeed partitions records greedily. Each unassigned record seeds a
// group and claims every later unassigned record whose similarity to the
// seed is at least threshold. Only groups of two or more are returned;
// a singleton seed is not offered to later groups.
func groupBySeed(records []model.Record, threshold float64) [][]model.Record {
	used := make([]bool, len(records))
	var groups [][]model.Record

	for i, seed := range records {
		if used[i] {
			continue
		}
		used[i] = true
		group := []model.Record{seed}

		for j := i + 1; j < len(records); j++ {
			if used[j] {
				continue
			}
			if embedding.CosineSimilarity(seed.Embedding, records[j].Embedding) >= threshold {
				group = append(group, records[j])
				used[j] = true
			}
		}

		if len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

// mergeGroup stores the combined semantic record and flags its sources in
// one transaction.
func (s *SQLiteStore) mergeGroup(ctx context.Context, group []model.Record) (*model.Record, error) {
	contents := make([]string, len(group))
	ids := make([]int64, len(group))
	start, end := group[0].Timestamp, group[0].Timestamp
	for i, r := range group {
		contents[i] = r.Content
		ids[i] = r.ID
		if r.Timestamp.Before(start) {
			start = r.Timestamp
		}
		if r.Timestamp.After(end) {
			end = r.Timestamp
		}
	}
	combined := strings.Join(contents, "\n")

	vec, blob, err := s.embed(ctx, combined)
	if err != nil {
		return nil, err
	}
	_, meta, err := encodeMetadata(model.Metadata{
		model.MetaConsolidatedFrom: ids,
		model.MetaSourceCount:      len(group),
		model.MetaTimeRange: map[string]string{
			"start": start.UTC().Format(timeLayout),
			"end":   end.UTC().Format(timeLayout),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %w", ErrValidation, err)
	}

	rec := &model.Record{
		Content:   combined,
		Source:    model.ConsolidationSource,
		Timestamp: s.now().UTC(),
		Metadata:  meta,
		Embedding: vec,
		Type:      model.Semantic,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", ErrStorage, err)
	}
	defer tx.Rollback()

	if err := insertRecord(ctx, tx, rec, blob); err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE memories SET consolidated = 1
		 WHERE type = 'episodic' AND consolidated = 0 AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: flag sources: %w", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: flag sources: %w", ErrStorage, err)
	}
	if int(n) != len(ids) {
		return nil, fmt.Errorf("%w: flagged %d of %d sources", ErrStorage, n, len(ids))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrStorage, err)
	}
	s.metrics.RecordStored(string(model.Semantic))
	return rec, nil
}
