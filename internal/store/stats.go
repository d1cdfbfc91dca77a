package store

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Stats holds database statistics.
type Stats struct {
	DBPath       string `json:"db_path"`
	DBSizeBytes  int64  `json:"db_size_bytes"`
	Model        string `json:"model"`
	Total        int    `json:"total"`
	Episodic     int    `json:"episodic"`
	Semantic     int    `json:"semantic"`
	Consolidated int    `json:"consolidated"`
	Eligible     int    `json:"eligible"`
}

// Stats returns database statistics. Eligible counts records a
// consolidation with the given time threshold would consider.
func (s *SQLiteStore) Stats(ctx context.Context, timeThreshold time.Duration) (*Stats, error) {
	st := &Stats{DBPath: s.path, Model: s.embedder.Model()}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(type = 'episodic'), 0),
		       COALESCE(SUM(type = 'semantic'), 0),
		       COALESCE(SUM(consolidated), 0)
		FROM memories`).Scan(&st.Total, &st.Episodic, &st.Semantic, &st.Consolidated)
	if err != nil {
		return nil, fmt.Errorf("%w: stats: %w", ErrStorage, err)
	}

	st.Eligible, err = s.CountEligible(ctx, timeThreshold)
	if err != nil {
		return nil, err
	}
	return st, nil
}
