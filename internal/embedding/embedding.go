// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
)

// ErrEmbedding wraps every failure reported by an embedding provider.
var ErrEmbedding = errors.New("embedding failed")

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// Func adapts a plain function to the Embedder interface.
type Func struct {
	Dimensions int
	Fn         func(ctx context.Context, text string) (Vector, error)
}

func (f Func) Embed(ctx context.Context, text string) (Vector, error) { return f.Fn(ctx, text) }

func (f Func) Dims() int { return f.Dimensions }

// CosineSimilarity computes cosine similarity between two vectors.
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize returns a unit-length copy of v. Zero vectors are returned unchanged.
func Normalize(v Vector) Vector {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make(Vector, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Options selects and configures a provider.
type Options struct {
	// Provider is "hash", "ollama", "openai" or "none".
	Provider string `yaml:"provider" env:"PROVIDER"`
	Model    string `yaml:"model" env:"MODEL"`
	URL      string `yaml:"url" env:"URL"`
	APIKey   string `yaml:"api_key" env:"API_KEY"`
	// Dims is the vector size. Zero uses the provider default.
	Dims int `yaml:"dims" env:"DIMS"`
	// CacheSize bounds the number of cached embeddings. Zero disables caching.
	CacheSize int64 `yaml:"cache_size" env:"CACHE_SIZE"`
}

// New builds the embedder described by opts. Provider "none" returns a nil
// Embedder, which disables text queries against the semantic store.
func New(opts Options) (Embedder, error) {
	var e Embedder
	switch strings.ToLower(opts.Provider) {
	case "", "hash":
		e = NewHashEmbedder(opts.Dims)
	case "ollama":
		model := opts.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		url := opts.URL
		if url == "" {
			url = os.Getenv("OLLAMA_HOST")
		}
		e = NewOllamaEmbedder(url, model, opts.Dims)
	case "openai":
		key := opts.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		e = NewOpenAIEmbedder(opts.URL, key, opts.Model, opts.Dims)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
	if opts.CacheSize > 0 {
		c, err := NewCached(e, opts.CacheSize)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return e, nil
}
