package model

import "time"

// Source names the store an item came from.
type Source string

const (
	SourceEpisodic Source = "episodic"
	SourceSemantic Source = "semantic"
)

// Request is one retrieval call.
//
// Zero values take the engine defaults: KEpi/KSem of 0 mean "use the default",
// a negative value requests no candidates from that store. A nil filter uses the
// configured default filter; a non-nil empty filter matches everything.
type Request struct {
	QueryText      string    `json:"query_text"`
	QueryEmbedding []float32 `json:"query_embedding,omitempty"`
	KEpi           int       `json:"k_epi"`
	KSem           int       `json:"k_sem"`
	EpisodicFilter Filter    `json:"episodic_filters,omitempty"`
	SemanticFilter Filter    `json:"semantic_filters,omitempty"`
	TokenBudget    int       `json:"token_budget"`
	Rerank         *bool     `json:"rerank_enabled,omitempty"`
	// AllowPII lets pii-flagged artifacts through the semantic store.
	AllowPII bool `json:"allow_pii,omitempty"`
}

// Item is one scored candidate in a retrieval result.
type Item struct {
	Source     Source    `json:"source"`
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Score      float64   `json:"score"`
	TokenCost  int       `json:"token_cost"`
	Provenance string    `json:"provenance"`
	Timestamp  time.Time `json:"timestamp"`
}

// Result is the assembled context for one retrieval call.
type Result struct {
	Items       []Item `json:"items"`
	Truncated   bool   `json:"truncated"`
	TotalTokens int    `json:"total_tokens"`
	// Candidates is the number of merged items before budget truncation.
	Candidates int `json:"candidates"`
}

// IDs returns the ids of the kept items split by source, in result order.
func (r Result) IDs() (episodic, semantic []string) {
	episodic = []string{}
	semantic = []string{}
	for _, it := range r.Items {
		switch it.Source {
		case SourceEpisodic:
			episodic = append(episodic, it.ID)
		case SourceSemantic:
			semantic = append(semantic, it.ID)
		}
	}
	return episodic, semantic
}

// OrderedIDs returns every kept item's id in result order.
func (r Result) OrderedIDs() []string {
	out := make([]string, len(r.Items))
	for i, it := range r.Items {
		out[i] = it.ID
	}
	return out
}
