package semantic

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/hybrid-memory/internal/embedding"
	"github.com/rcliao/hybrid-memory/internal/model"
)

// unit returns a 2-d vector whose cosine with [1, 0] is cos.
func unit(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

func newTestStore(t *testing.T, index Index) *Store {
	t.Helper()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := New(Options{
		Dimension: 2,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	}, nil, index, nil)
	require.NoError(t, err)
	return s
}

func matchIDs(ms []Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Artifact.ID
	}
	return out
}

func indexes(t *testing.T) map[string]func() Index {
	return map[string]func() Index{
		"flat": func() Index { return NewFlatIndex() },
		"chromem": func() Index {
			idx, err := NewChromemIndex("")
			require.NoError(t, err)
			return idx
		},
	}
}

func TestQueryRanksBySimilarity(t *testing.T) {
	for name, mk := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, mk())
			ctx := context.Background()

			_, err := s.Index(ctx, model.RawArtifact{ID: "a2", Text: "second", Embedding: unit(0.5)})
			require.NoError(t, err)
			_, err = s.Index(ctx, model.RawArtifact{ID: "a1", Text: "first", Embedding: unit(0.9)})
			require.NoError(t, err)

			got, err := s.Query(ctx, Query{Embedding: []float32{1, 0}, K: 2})
			require.NoError(t, err)
			require.Equal(t, []string{"a1", "a2"}, matchIDs(got))
			assert.InDelta(t, 0.9, got[0].Score, 1e-5)
			assert.InDelta(t, 0.5, got[1].Score, 1e-5)

			got, err = s.Query(ctx, Query{Embedding: []float32{1, 0}, K: 1})
			require.NoError(t, err)
			assert.Equal(t, []string{"a1"}, matchIDs(got))
		})
	}
}

func TestQueryEqualScoresPreferOlder(t *testing.T) {
	for name, mk := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, mk())
			ctx := context.Background()
			for _, id := range []string{"z-old", "a-new"} {
				_, err := s.Index(ctx, model.RawArtifact{ID: id, Text: id, Embedding: []float32{0, 1}})
				require.NoError(t, err)
			}

			got, err := s.Query(ctx, Query{Embedding: []float32{0, 1}, K: 2})
			require.NoError(t, err)
			assert.Equal(t, []string{"z-old", "a-new"}, matchIDs(got))
		})
	}
}

func TestIndexRejectsDimensionMismatch(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.Index(context.Background(), model.RawArtifact{ID: "bad", Text: "x", Embedding: []float32{1, 2, 3}})
	require.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 0, s.Len())

	_, err = s.Index(context.Background(), model.RawArtifact{ID: "ok", Text: "x", Embedding: []float32{1, 0}})
	require.NoError(t, err)
	_, err = s.Query(context.Background(), Query{Embedding: []float32{1}, K: 1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestIndexRejectsMissingFields(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.Index(context.Background(), model.RawArtifact{Text: "x", Embedding: []float32{1, 0}})
	assert.ErrorIs(t, err, ErrInvalidArtifact)
	_, err = s.Index(context.Background(), model.RawArtifact{ID: "x", Embedding: []float32{1, 0}})
	assert.ErrorIs(t, err, ErrInvalidArtifact)
}

func TestPIIExcludedUnlessAllowed(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	_, err := s.Index(ctx, model.RawArtifact{ID: "secret", Text: "ssn", Embedding: []float32{1, 0}, PII: true})
	require.NoError(t, err)
	_, err = s.Index(ctx, model.RawArtifact{ID: "public", Text: "doc", Embedding: []float32{0, 1}})
	require.NoError(t, err)

	got, err := s.Query(ctx, Query{Embedding: []float32{1, 0}, K: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"public"}, matchIDs(got))

	got, err = s.Query(ctx, Query{Embedding: []float32{1, 0}, K: 5, AllowPII: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"secret", "public"}, matchIDs(got))
	assert.Equal(t, 1, s.PIICount())
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	_, err := s.Index(ctx, model.RawArtifact{ID: "p1", Text: "pw policy", Embedding: unit(0.2), Labels: []string{"policy", "security"}})
	require.NoError(t, err)
	_, err = s.Index(ctx, model.RawArtifact{ID: "n1", Text: "notes", Embedding: unit(0.99), Labels: []string{"notes"}})
	require.NoError(t, err)

	filter := model.FilterFromMap(map[string]any{"tags": []string{"policy"}, "pii": false})
	got, err := s.Query(ctx, Query{Embedding: []float32{1, 0}, K: 5, Filter: filter})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, matchIDs(got))

	got, err = s.Query(ctx, Query{Embedding: []float32{1, 0}, K: 5, Filter: model.Filter{model.Contains("tags", "missing")}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReindexReplaces(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	_, err := s.Index(ctx, model.RawArtifact{ID: "a", Text: "v1", Embedding: []float32{1, 0}})
	require.NoError(t, err)
	_, err = s.Index(ctx, model.RawArtifact{ID: "a", Text: "v2", Embedding: []float32{0, 1}})
	require.NoError(t, err)

	assert.Equal(t, 1, s.Len())
	a, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "v2", a.Text)
}

func TestEmptyStoreAndZeroKSkipEmbedding(t *testing.T) {
	failing := embedding.Func{Dimensions: 2, Fn: func(context.Context, string) (embedding.Vector, error) {
		t.Fatal("embedder must not be called")
		return nil, nil
	}}
	s, err := New(Options{}, failing, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Dimension())

	got, err := s.Query(context.Background(), Query{Text: "anything", K: 3})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTextQueriesUseEmbedder(t *testing.T) {
	e := embedding.NewHashEmbedder(0)
	s, err := New(Options{}, e, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Index(ctx, model.RawArtifact{ID: "pw", Text: "password rotation policy is 90 days"})
	require.NoError(t, err)
	_, err = s.Index(ctx, model.RawArtifact{ID: "deploy", Text: "deploy frontend to staging"})
	require.NoError(t, err)

	got, err := s.Query(ctx, Query{Text: "password rotation", K: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"pw"}, matchIDs(got))
}

func TestEmbedderErrors(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.Index(context.Background(), model.RawArtifact{ID: "a", Text: "needs embedding"})
	assert.ErrorIs(t, err, ErrNoEmbedder)

	boom := errors.New("provider down")
	broken := embedding.Func{Dimensions: 2, Fn: func(context.Context, string) (embedding.Vector, error) {
		return nil, boom
	}}
	s, err = New(Options{}, broken, nil, nil)
	require.NoError(t, err)
	_, err = s.Index(context.Background(), model.RawArtifact{ID: "a", Text: "x"})
	assert.ErrorIs(t, err, embedding.ErrEmbedding)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Len())
}

func TestNewRejectsEmbedderDimensionMismatch(t *testing.T) {
	_, err := New(Options{Dimension: 8}, embedding.NewHashEmbedder(16), nil, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = New(Options{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestScrubPII(t *testing.T) {
	s, err := New(Options{Dimension: 2, ScrubPII: true}, nil, nil, nil)
	require.NoError(t, err)
	a, err := s.Index(context.Background(), model.RawArtifact{ID: "c", Text: "mail ops@example.com", Embedding: []float32{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, "mail <EMAIL>", a.Text)
}

func TestChromemZeroVectors(t *testing.T) {
	idx, err := NewChromemIndex("zero")
	require.NoError(t, err)
	s := newTestStore(t, idx)
	ctx := context.Background()

	_, err = s.Index(ctx, model.RawArtifact{ID: "z", Text: "zero", Embedding: []float32{0, 0}})
	require.NoError(t, err)
	_, err = s.Index(ctx, model.RawArtifact{ID: "x", Text: "x", Embedding: []float32{1, 0}})
	require.NoError(t, err)

	got, err := s.Query(ctx, Query{Embedding: []float32{1, 0}, K: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "z"}, matchIDs(got))
	assert.Equal(t, 2, idx.Len())

	got, err = s.Query(ctx, Query{Embedding: []float32{0, 0}, K: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "x"}, matchIDs(got))
}
