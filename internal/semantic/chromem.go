package semantic

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex keeps vectors in an embedded chromem-go collection.
//
// chromem normalizes vectors on insert and cannot represent a zero vector, so
// those are tracked on the side and always score 0, matching the flat index.
// Scores are float32 dot products over the normalized vectors, so two
// artifacts the flat index scores differently by a rounding margin may tie
// here and fall through to the created_at and id ordering, or the reverse.
type ChromemIndex struct {
	mu   sync.RWMutex
	col  *chromem.Collection
	ids  map[string]bool // ids whose current vector lives in col
	zero map[string]bool
}

// NewChromemIndex creates an index backed by a fresh in-memory chromem database.
func NewChromemIndex(name string) (*ChromemIndex, error) {
	if name == "" {
		name = "artifacts"
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection(
		name,
		nil, // embeddings are always supplied by the caller
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &ChromemIndex{
		col:  col,
		ids:  make(map[string]bool),
		zero: make(map[string]bool),
	}, nil
}

func (c *ChromemIndex) Upsert(ctx context.Context, id, text string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if isZero(vec) {
		delete(c.ids, id)
		c.zero[id] = true
		return nil
	}

	if text == "" {
		text = id
	}
	doc := chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: append([]float32(nil), vec...),
	}
	if err := c.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	delete(c.zero, id)
	c.ids[id] = true
	return nil
}

func (c *ChromemIndex) Search(ctx context.Context, query []float32) ([]Hit, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hits := make([]Hit, 0, len(c.ids)+len(c.zero))
	for id := range c.zero {
		hits = append(hits, Hit{ID: id})
	}
	if len(c.ids) == 0 {
		return hits, nil
	}
	if isZero(query) {
		for id := range c.ids {
			hits = append(hits, Hit{ID: id})
		}
		return hits, nil
	}

	// chromem requires nResults <= Count; asking for all of them ranks the
	// whole collection so filtering can happen afterwards.
	results, err := c.col.QueryEmbedding(ctx, append([]float32(nil), query...), c.col.Count(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	for _, r := range results {
		if !c.ids[r.ID] {
			continue // superseded by a zero vector
		}
		hits = append(hits, Hit{ID: r.ID, Score: float64(r.Similarity)})
	}
	return hits, nil
}

func (c *ChromemIndex) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids) + len(c.zero)
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
