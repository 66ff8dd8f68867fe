package model

import "time"

// TraceRequest is the request portion of a trace record.
type TraceRequest struct {
	QueryText      string `json:"query_text"`
	KEpi           int    `json:"k_epi"`
	KSem           int    `json:"k_sem"`
	TokenBudget    int    `json:"token_budget"`
	Rerank         bool   `json:"rerank_enabled"`
	EpisodicFilter Filter `json:"episodic_filters,omitempty"`
	SemanticFilter Filter `json:"semantic_filters,omitempty"`
}

// RetrievedIDs lists the ids kept after truncation, by source.
type RetrievedIDs struct {
	Episodic []string `json:"episodic"`
	Semantic []string `json:"semantic"`
}

// TraceRecord is one append-only entry written per retrieval call.
type TraceRecord struct {
	ID            string       `json:"id"`
	Span          string       `json:"span"`
	Timestamp     time.Time    `json:"ts"`
	Request       TraceRequest `json:"request"`
	RetrievedIDs  RetrievedIDs `json:"retrieved_ids"`
	OutputSummary string       `json:"output_summary"`
	LatencyMS     float64      `json:"latency_ms"`
	InputLen      int          `json:"input_len"`
	CtxLen        int          `json:"ctx_len"`
	OutputLen     int          `json:"output_len"`
	Error         string       `json:"error,omitempty"`
}
