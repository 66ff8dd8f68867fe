// Package semantic is the similarity index over canonical artifacts.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/hybrid-memory/internal/embedding"
	"github.com/rcliao/hybrid-memory/internal/model"
	"github.com/rcliao/hybrid-memory/internal/redact"
)

var (
	// ErrDimensionMismatch rejects an embedding whose length differs from the store dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrNoEmbedder is returned when text must be embedded but no embedder is configured.
	ErrNoEmbedder = errors.New("no embedder configured")
	// ErrInvalidArtifact rejects artifacts without an id or text.
	ErrInvalidArtifact = errors.New("invalid artifact")
)

// Options configures a Store.
type Options struct {
	// Dimension is the fixed embedding size. Zero takes the embedder's size.
	Dimension int
	// ScrubPII masks emails and phone numbers in artifact text before indexing.
	ScrubPII bool
	// Now stamps created_at; defaults to time.Now.
	Now func() time.Time
}

// Query selects artifacts. Embedding wins over Text when both are set.
type Query struct {
	Text      string
	Embedding []float32
	K         int
	Filter    model.Filter
	// AllowPII admits artifacts tagged pii=true.
	AllowPII bool
}

// Match is one scored artifact.
type Match struct {
	Artifact model.Artifact
	Score    float64
}

// Store indexes artifacts for filtered top-k similarity search.
type Store struct {
	mu        sync.RWMutex
	opts      Options
	embedder  embedding.Embedder
	index     Index
	artifacts map[string]model.Artifact
	logger    *zap.Logger
}

// New creates a semantic store. A nil index uses an exact flat scan; a nil
// embedder means callers must supply embeddings themselves.
func New(opts Options, embedder embedding.Embedder, index Index, logger *zap.Logger) (*Store, error) {
	if opts.Dimension <= 0 && embedder != nil {
		opts.Dimension = embedder.Dims()
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("semantic store dimension must be positive")
	}
	if embedder != nil && embedder.Dims() != opts.Dimension {
		return nil, fmt.Errorf("%w: embedder produces %d, store expects %d", ErrDimensionMismatch, embedder.Dims(), opts.Dimension)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if index == nil {
		index = NewFlatIndex()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		opts:      opts,
		embedder:  embedder,
		index:     index,
		artifacts: make(map[string]model.Artifact),
		logger:    logger.With(zap.String("component", "semantic_store")),
	}, nil
}

// Dimension returns the configured embedding size.
func (s *Store) Dimension() int { return s.opts.Dimension }

// Prepare validates raw, scrubs its text, computes or checks its embedding and
// returns the artifact Put would store. It does not touch the store.
func (s *Store) Prepare(ctx context.Context, raw model.RawArtifact) (model.Artifact, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return model.Artifact{}, fmt.Errorf("%w: id is required", ErrInvalidArtifact)
	}
	text := raw.Text
	if strings.TrimSpace(text) == "" {
		return model.Artifact{}, fmt.Errorf("%w: artifact %s has no text", ErrInvalidArtifact, id)
	}
	if s.opts.ScrubPII {
		text = redact.Scrub(text)
	}

	vec := raw.Embedding
	if len(vec) == 0 {
		var err error
		vec, err = s.embed(ctx, text)
		if err != nil {
			return model.Artifact{}, fmt.Errorf("embed artifact %s: %w", id, err)
		}
	}
	if len(vec) != s.opts.Dimension {
		return model.Artifact{}, fmt.Errorf("%w: artifact %s has %d, store expects %d", ErrDimensionMismatch, id, len(vec), s.opts.Dimension)
	}

	return model.Artifact{
		ID:        id,
		Text:      text,
		Embedding: append([]float32(nil), vec...),
		Tags:      model.BuildTags(raw.Tags, raw.Labels, raw.PII),
		CreatedAt: s.opts.Now(),
	}, nil
}

// Put stores a prepared artifact, replacing any artifact with the same id.
func (s *Store) Put(ctx context.Context, a model.Artifact) error {
	if len(a.Embedding) != s.opts.Dimension {
		return fmt.Errorf("%w: artifact %s has %d, store expects %d", ErrDimensionMismatch, a.ID, len(a.Embedding), s.opts.Dimension)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.index.Upsert(ctx, a.ID, a.Text, a.Embedding); err != nil {
		return fmt.Errorf("index artifact %s: %w", a.ID, err)
	}
	s.artifacts[a.ID] = a
	s.logger.Debug("artifact indexed", zap.String("id", a.ID), zap.Bool("pii", a.PII()))
	return nil
}

// Index prepares and stores raw in one step.
func (s *Store) Index(ctx context.Context, raw model.RawArtifact) (model.Artifact, error) {
	a, err := s.Prepare(ctx, raw)
	if err != nil {
		return model.Artifact{}, err
	}
	if err := s.Put(ctx, a); err != nil {
		return model.Artifact{}, err
	}
	return a, nil
}

// Query returns the K highest-scoring artifacts that pass the filter, by cosine
// similarity descending. Equal scores prefer the earlier created_at, then the lower id.
func (s *Store) Query(ctx context.Context, q Query) ([]Match, error) {
	if q.K <= 0 || s.Len() == 0 {
		return []Match{}, nil
	}

	vec := q.Embedding
	if len(vec) == 0 {
		var err error
		vec, err = s.embed(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}
	if len(vec) != s.opts.Dimension {
		return nil, fmt.Errorf("%w: query has %d, store expects %d", ErrDimensionMismatch, len(vec), s.opts.Dimension)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits, err := s.index.Search(ctx, vec)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		a, ok := s.artifacts[h.ID]
		if !ok {
			continue
		}
		if a.PII() && !q.AllowPII {
			continue
		}
		if !q.Filter.Match(a) {
			continue
		}
		matches = append(matches, Match{Artifact: a, Score: h.Score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		ci, cj := matches[i].Artifact.CreatedAt, matches[j].Artifact.CreatedAt
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return matches[i].Artifact.ID < matches[j].Artifact.ID
	})
	if len(matches) > q.K {
		matches = matches[:q.K]
	}
	s.logger.Debug("semantic query", zap.Int("k", q.K), zap.Int("returned", len(matches)))
	return matches, nil
}

// Get returns the artifact stored under id.
func (s *Store) Get(id string) (model.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	return a, ok
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}

// PIICount returns how many stored artifacts are tagged pii.
func (s *Store) PIICount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.artifacts {
		if a.PII() {
			n++
		}
	}
	return n
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, ErrNoEmbedder
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, embedding.ErrEmbedding) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", embedding.ErrEmbedding, err)
	}
	return vec, nil
}
