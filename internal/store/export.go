package store

import (
	"context"

	"github.com/rcliao/troupe-memory/internal/model"
)

// ExportAll returns every readable record in insertion order, optionally
// filtered by type. Corrupt rows are skipped.
func (s *SQLiteStore) ExportAll(ctx context.Context, t model.Type) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM memories`
	var args []interface{}
	if t != "" {
		query += ` WHERE type = ?`
		args = append(args, string(t))
	}
	query += ` ORDER BY id`
	return s.queryRecords(ctx, 0, query, args...)
}

// Import stores records from an export. Each record is embedded again and
// receives a fresh id and timestamp; consolidation flags are not carried over.
func (s *SQLiteStore) Import(ctx context.Context, records []model.Record) (int, error) {
	imported := 0
	for _, r := range records {
		_, err := s.Put(ctx, PutParams{
			Content:  r.Content,
			Source:   r.Source,
			Type:     r.Type,
			Metadata: r.Metadata,
		})
		if err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
