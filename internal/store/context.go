package store

import (
	"context"
	"math"

	"github.com/rcliao/troupe-memory/internal/model"
)

// ContextParams holds parameters for context assembly.
type ContextParams struct {
	Query               string
	TopK                int
	Type                model.Type
	ExcludeConsolidated bool
	Budget              int // max tokens in output (rough: 1 token ≈ 4 chars)
}

// ContextMemory is a ranked memory for context output.
type ContextMemory struct {
	ID         int64      `json:"id"`
	Type       model.Type `json:"type"`
	Source     string     `json:"source"`
	Content    string     `json:"content"`
	Similarity float64    `json:"similarity"`
	Excerpt    bool       `json:"excerpt,omitempty"`
}

// ContextResult is the assembled context response.
type ContextResult struct {
	Budget   int             `json:"budget"`
	Used     int             `json:"used"`
	Memories []ContextMemory `json:"memories"`
}

// Context retrieves the memories most relevant to the query and packs them,
// in rank order, into a token budget.
func (s *SQLiteStore) Context(ctx context.Context, p ContextParams) (*ContextResult, error) {
	budget := p.Budget
	if budget <= 0 {
		budget = 4000
	}
	topK := p.TopK
	if topK <= 0 {
		topK = 10
	}

	results, err := s.RetrieveRelevant(ctx, RetrieveParams{
		Query:               p.Query,
		TopK:                topK,
		Type:                p.Type,
		ExcludeConsolidated: p.ExcludeConsolidated,
	})
	if err != nil {
		return nil, err
	}
	return pack(results, budget), nil
}

// pack greedily fills a budget of tokens with ranked results. When the next
// result does not fit but at least 100 characters remain, an excerpt of it
// closes the context.
func pack(results []model.ScoredRecord, budget int) *ContextResult {
	charBudget := budget * 4
	result := &ContextResult{Budget: budget, Memories: []ContextMemory{}}
	used := 0

	for _, r := range results {
		cm := ContextMemory{
			ID:         r.ID,
			Type:       r.Type,
			Source:     r.Source,
			Content:    r.Content,
			Similarity: math.Round(r.Similarity*1000) / 1000,
		}

		if used+len(r.Content) <= charBudget {
			result.Memories = append(result.Memories, cm)
			used += len(r.Content)
			continue
		}
		if remaining := charBudget - used; remaining >= 100 {
			cm.Content = truncate(r.Content, remaining) + "..."
			cm.Excerpt = true
			result.Memories = append(result.Memories, cm)
			used += len(cm.Content)
		}
		break
	}

	result.Used = used / 4
	return result
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
