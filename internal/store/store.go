// Package store provides the memory storage interface and SQLite implementation.
package store

import (
	"context"
	"time"

	"github.com/rcliao/troupe-memory/internal/model"
)

// PutParams holds parameters for storing a memory.
type PutParams struct {
	Content  string
	Source   string
	Type     model.Type // empty means episodic
	Metadata model.Metadata
}

// RetrieveParams holds parameters for a similarity retrieval.
type RetrieveParams struct {
	Query string
	TopK  int
	Type  model.Type // empty means all types

	// ExcludeConsolidated drops episodic records already folded into a
	// semantic summary.
	ExcludeConsolidated bool
}

// ConsolidateParams holds the consolidation thresholds.
type ConsolidateParams struct {
	TimeThreshold       time.Duration
	SimilarityThreshold float64
}

// ListParams holds parameters for listing memories.
type ListParams struct {
	Type         model.Type
	Consolidated *bool
	Limit        int
}

// ConsolidationResult summarizes one consolidation run.
type ConsolidationResult struct {
	Eligible     int            `json:"eligible"`
	Groups       int            `json:"groups"`
	Consolidated int            `json:"consolidated"`
	Created      []model.Record `json:"created"`
}

// Store defines the memory storage interface.
type Store interface {
	// Put embeds and stores a memory. Returns the stored record.
	Put(ctx context.Context, p PutParams) (*model.Record, error)

	// RetrieveRelevant returns up to TopK records ranked by similarity to Query.
	RetrieveRelevant(ctx context.Context, p RetrieveParams) ([]model.ScoredRecord, error)

	// Consolidate merges similar, aged episodic records into semantic ones.
	Consolidate(ctx context.Context, p ConsolidateParams) (*ConsolidationResult, error)

	// Get retrieves one memory by id.
	Get(ctx context.Context, id int64) (*model.Record, error)

	// List lists memories matching the given filters in insertion order.
	List(ctx context.Context, p ListParams) ([]model.Record, error)

	// Clear removes every record.
	Clear(ctx context.Context) error

	// Close closes the store.
	Close() error
}
