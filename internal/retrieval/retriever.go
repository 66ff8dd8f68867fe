// Package retrieval assembles one bounded context from the episodic and
// semantic stores.
//
// Candidates are merged episodic block first (recency order) then semantic
// block (similarity order). An optional rerank re-sorts the merged sequence by
// score, keeping merge order for ties. Truncation walks the sequence and stops
// at the first item that would push the running token total past the budget.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/hybrid-memory/internal/embedding"
	"github.com/rcliao/hybrid-memory/internal/episodic"
	"github.com/rcliao/hybrid-memory/internal/model"
	"github.com/rcliao/hybrid-memory/internal/semantic"
	"github.com/rcliao/hybrid-memory/internal/tokenizer"
)

// EpisodicSource serves recency-ordered episodic records.
type EpisodicSource interface {
	Query(ctx context.Context, q episodic.Query) ([]model.EpisodicRecord, error)
}

// SemanticSource serves similarity-ordered artifacts.
type SemanticSource interface {
	Query(ctx context.Context, q semantic.Query) ([]semantic.Match, error)
}

// Params is a fully resolved retrieval request.
type Params struct {
	QueryText      string
	QueryEmbedding []float32
	KEpi           int
	KSem           int
	EpisodicFilter model.Filter
	SemanticFilter model.Filter
	TokenBudget    int
	Rerank         bool
	AllowPII       bool
	// Now is the expiry reference for the episodic store; zero means the store clock.
	Now time.Time
}

// Retriever fans a request out to both stores and assembles the result.
type Retriever struct {
	episodic EpisodicSource
	semantic SemanticSource
	counter  tokenizer.Counter
	logger   *zap.Logger
}

// New creates a retriever. Either source may be nil, in which case its block is
// always empty. A nil counter uses the estimator.
func New(epi EpisodicSource, sem SemanticSource, counter tokenizer.Counter, logger *zap.Logger) *Retriever {
	if counter == nil {
		counter = tokenizer.NewEstimator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		episodic: epi,
		semantic: sem,
		counter:  counter,
		logger:   logger.With(zap.String("component", "retriever")),
	}
}

// Retrieve runs the full merge, rerank and truncate pipeline. Empty stores and
// budgets too small for any item give valid results, not errors.
func (r *Retriever) Retrieve(ctx context.Context, p Params) (model.Result, error) {
	var (
		records []model.EpisodicRecord
		matches []semantic.Match
	)

	g, gctx := errgroup.WithContext(ctx)
	if r.episodic != nil && p.KEpi > 0 {
		g.Go(func() error {
			var err error
			records, err = r.episodic.Query(gctx, episodic.Query{K: p.KEpi, Filter: p.EpisodicFilter, Now: p.Now})
			if err != nil {
				return fmt.Errorf("episodic query: %w", err)
			}
			return nil
		})
	}
	if r.semantic != nil && p.KSem > 0 {
		g.Go(func() error {
			var err error
			matches, err = r.semantic.Query(gctx, semantic.Query{
				Text:      p.QueryText,
				Embedding: p.QueryEmbedding,
				K:         p.KSem,
				Filter:    p.SemanticFilter,
				AllowPII:  p.AllowPII,
			})
			if err != nil {
				return fmt.Errorf("semantic query: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Result{}, err
	}

	epiItems, err := r.episodicItems(p.QueryText, records)
	if err != nil {
		return model.Result{}, err
	}
	semItems, err := r.semanticItems(matches)
	if err != nil {
		return model.Result{}, err
	}

	merged := Merge(epiItems, semItems)
	if p.Rerank {
		merged = Rerank(merged)
	}
	kept, total, truncated := Truncate(merged, p.TokenBudget)

	r.logger.Debug("retrieval assembled",
		zap.Int("episodic", len(epiItems)),
		zap.Int("semantic", len(semItems)),
		zap.Int("kept", len(kept)),
		zap.Int("tokens", total),
		zap.Bool("truncated", truncated),
		zap.Bool("rerank", p.Rerank))

	return model.Result{
		Items:       kept,
		Truncated:   truncated,
		TotalTokens: total,
		Candidates:  len(merged),
	}, nil
}

func (r *Retriever) episodicItems(query string, records []model.EpisodicRecord) ([]model.Item, error) {
	terms := queryTerms(query)
	items := make([]model.Item, 0, len(records))
	for _, rec := range records {
		content := rec.Payload.Render()
		cost, err := r.cost(content)
		if err != nil {
			return nil, fmt.Errorf("token cost of %s: %w", rec.ID, err)
		}
		items = append(items, model.Item{
			Source:     model.SourceEpisodic,
			ID:         rec.ID,
			Content:    content,
			Score:      lexicalScore(terms, content),
			TokenCost:  cost,
			Provenance: rec.Provenance(),
			Timestamp:  rec.Timestamp,
		})
	}
	return items, nil
}

func (r *Retriever) semanticItems(matches []semantic.Match) ([]model.Item, error) {
	items := make([]model.Item, 0, len(matches))
	for _, m := range matches {
		cost, err := r.cost(m.Artifact.Text)
		if err != nil {
			return nil, fmt.Errorf("token cost of %s: %w", m.Artifact.ID, err)
		}
		items = append(items, model.Item{
			Source:     model.SourceSemantic,
			ID:         m.Artifact.ID,
			Content:    m.Artifact.Text,
			Score:      m.Score,
			TokenCost:  cost,
			Provenance: m.Artifact.Provenance(),
			Timestamp:  m.Artifact.CreatedAt,
		})
	}
	return items, nil
}

func (r *Retriever) cost(text string) (int, error) {
	n, err := r.counter.Count(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", tokenizer.ErrTokenizer, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative count %d", tokenizer.ErrTokenizer, n)
	}
	return n, nil
}

// Merge concatenates the episodic block and the semantic block.
func Merge(episodicItems, semanticItems []model.Item) []model.Item {
	out := make([]model.Item, 0, len(episodicItems)+len(semanticItems))
	out = append(out, episodicItems...)
	return append(out, semanticItems...)
}

// Rerank returns items sorted by score descending, keeping the input order for
// equal scores.
func Rerank(items []model.Item) []model.Item {
	out := append([]model.Item(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// Truncate keeps the longest prefix of items whose token costs sum to at most
// budget. truncated reports whether anything was dropped.
func Truncate(items []model.Item, budget int) (kept []model.Item, total int, truncated bool) {
	kept = make([]model.Item, 0, len(items))
	for _, it := range items {
		if total+it.TokenCost > budget {
			return kept, total, true
		}
		total += it.TokenCost
		kept = append(kept, it)
	}
	return kept, total, false
}

// LexicalScore is the fraction of distinct query terms found in content, in [0, 1].
func LexicalScore(query, content string) float64 {
	return lexicalScore(queryTerms(query), content)
}

func queryTerms(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, t := range embedding.Terms(query) {
		terms[t] = true
	}
	return terms
}

func lexicalScore(terms map[string]bool, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(terms))
	for _, t := range embedding.Terms(content) {
		if terms[t] {
			seen[t] = true
		}
	}
	return float64(len(seen)) / float64(len(terms))
}
