// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text. Implementations must be
// deterministic for a fixed Model identifier.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	// Dims is the length of every vector Embed returns, or 0 when the
	// provider cannot know it before the first call.
	Dims() int
	// Model identifies the provider and model; a store is bound to one value.
	Model() string
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths, empty vectors and zero-norm vectors score 0.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	return score
}

// Options selects and tunes an embedding provider.
type Options struct {
	Provider          string  `yaml:"provider" env:"PROVIDER"`
	Model             string  `yaml:"model" env:"MODEL"`
	URL               string  `yaml:"url" env:"URL"`
	APIKey            string  `yaml:"api_key" env:"API_KEY"`
	Dims              int     `yaml:"dims" env:"DIMS"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	CacheSize         int64   `yaml:"cache_size" env:"CACHE_SIZE"`
}

// ValidProviders are the provider names accepted by New.
var ValidProviders = map[string]bool{
	"hash":   true,
	"ollama": true,
	"openai": true,
}

// --- Ollama Provider ---

// OllamaEmbedder uses a local Ollama instance for embeddings.
type OllamaEmbedder struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
	limiter *rate.Limiter
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// ollamaDims lists the vector length of well-known Ollama embedding models.
var ollamaDims = map[string]int{
	"nomic-embed-text":  768,
	"all-minilm":        384,
	"mxbai-embed-large": 1024,
}

// NewOllamaEmbedder creates an embedder using Ollama's API.
// Default model: nomic-embed-text. Dims is 0 for models not in ollamaDims.
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_HOST")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		baseURL: baseURL,
		model:   model,
		dims:    ollamaDims[model],
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if err := wait(ctx, e.limiter); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(ollamaRequest{Model: e.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama error %d: %s", resp.StatusCode, string(b))
	}

	var result ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding")
	}
	return result.Embedding, nil
}

func (e *OllamaEmbedder) Dims() int     { return e.dims }
func (e *OllamaEmbedder) Model() string { return "ollama/" + e.model }

// --- OpenAI-compatible Provider ---

// OpenAIEmbedder uses any OpenAI-compatible embedding API.
type OpenAIEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
	limiter *rate.Limiter
}

type openaiEmbedRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewOpenAIEmbedder creates an embedder using an OpenAI-compatible API.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dims int) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dims == 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if err := wait(ctx, e.limiter); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(openaiEmbedRequest{Input: text, Model: e.model})
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai error %d: %s", resp.StatusCode, string(b))
	}

	var result openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 || len(result.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return result.Data[0].Embedding, nil
}

func (e *OpenAIEmbedder) Dims() int     { return e.dims }
func (e *OpenAIEmbedder) Model() string { return "openai/" + e.model }

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(math.Ceil(rps))
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// --- Factory ---

// New builds the embedder described by opts. An empty provider selects the
// local hash embedder. A positive CacheSize wraps the result in a CachedEmbedder.
func New(opts Options) (Embedder, error) {
	var e Embedder
	switch opts.Provider {
	case "", "hash":
		e = NewHashEmbedder(opts.Dims)
	case "ollama":
		o := NewOllamaEmbedder(opts.URL, opts.Model)
		o.limiter = newLimiter(opts.RequestsPerSecond)
		e = o
	case "openai":
		key := opts.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		o := NewOpenAIEmbedder(opts.URL, key, opts.Model, opts.Dims)
		o.limiter = newLimiter(opts.RequestsPerSecond)
		e = o
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (valid: hash, ollama, openai)", opts.Provider)
	}

	if opts.CacheSize > 0 {
		cached, err := NewCachedEmbedder(e, opts.CacheSize)
		if err != nil {
			return nil, err
		}
		return cached, nil
	}
	return e, nil
}
