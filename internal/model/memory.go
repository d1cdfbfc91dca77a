// Package model defines the core memory data types.
package model

import (
	"encoding/json"
	"time"
)

// Type partitions records into raw observations and consolidated summaries.
type Type string

const (
	Episodic Type = "episodic"
	Semantic Type = "semantic"
)

// ValidTypes are the allowed record types.
var ValidTypes = map[Type]bool{
	Episodic: true,
	Semantic: true,
}

// ParseType converts a string into a Type. The empty string yields Episodic.
func ParseType(s string) (Type, bool) {
	if s == "" {
		return Episodic, true
	}
	t := Type(s)
	return t, ValidTypes[t]
}

// Metadata keys written by the consolidation engine and the discussion bridge.
const (
	MetaConsolidatedFrom = "consolidated_from"
	MetaSourceCount      = "source_count"
	MetaTimeRange        = "time_range"

	MetaDiscussionID = "discussion_id"
	MetaDiscussion   = "discussion"
	MetaSender       = "sender"
	MetaMessageType  = "message_type"
	MetaTurn         = "turn"
)

// ConsolidationSource is the source tag of records produced by consolidation.
const ConsolidationSource = "memory_consolidation"

// Metadata is an open, JSON-serializable key-value bag.
type Metadata map[string]any

// Record is one stored memory. Records are immutable once written except
// for the Consolidated flag, which only moves from false to true.
type Record struct {
	ID           int64     `json:"id"`
	Content      string    `json:"content"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
	Metadata     Metadata  `json:"metadata"`
	Embedding    []float32 `json:"-"`
	Type         Type      `json:"type"`
	Consolidated bool      `json:"consolidated"`
}

// ConsolidatedFrom returns the source ids of a consolidated semantic record.
// Values round-tripped through JSON arrive as float64 or json.Number.
func (r Record) ConsolidatedFrom() []int64 {
	raw, ok := r.Metadata[MetaConsolidatedFrom]
	if !ok {
		return nil
	}
	var ids []int64
	switch v := raw.(type) {
	case []int64:
		return append(ids, v...)
	case []any:
		for _, x := range v {
			switch n := x.(type) {
			case float64:
				ids = append(ids, int64(n))
			case int64:
				ids = append(ids, n)
			case int:
				ids = append(ids, int64(n))
			case json.Number:
				if i, err := n.Int64(); err == nil {
					ids = append(ids, i)
				}
			}
		}
	}
	return ids
}

// ScoredRecord is a record annotated with its similarity to a query.
type ScoredRecord struct {
	Record
	Similarity float64 `json:"similarity"`
}
