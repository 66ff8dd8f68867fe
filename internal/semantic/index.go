package semantic

import (
	"context"
	"sync"

	"github.com/rcliao/hybrid-memory/internal/embedding"
)

// Hit is one scored entry from an Index.
type Hit struct {
	ID    string
	Score float64
}

// Index scores stored vectors against a query vector. Implementations must be
// safe for concurrent use. Search returns a hit for every stored id.
type Index interface {
	Upsert(ctx context.Context, id, text string, vec []float32) error
	Search(ctx context.Context, query []float32) ([]Hit, error)
	Len() int
}

// FlatIndex scores every vector with an exact cosine scan.
type FlatIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewFlatIndex creates an empty flat index.
func NewFlatIndex() *FlatIndex {
	return &FlatIndex{vectors: make(map[string][]float32)}
}

func (f *FlatIndex) Upsert(_ context.Context, id, _ string, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[id] = append([]float32(nil), vec...)
	return nil
}

func (f *FlatIndex) Search(ctx context.Context, query []float32) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	hits := make([]Hit, 0, len(f.vectors))
	for id, vec := range f.vectors {
		hits = append(hits, Hit{ID: id, Score: embedding.CosineSimilarity(query, vec)})
	}
	return hits, nil
}

func (f *FlatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}
