// Package model defines the core memory data types.
package model

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Category classifies an ingested event.
type Category string

// Built-in categories. CategoryOther is the escape case for events that fit none of the others.
const (
	CategoryDecision  Category = "decision"
	CategoryFact      Category = "fact"
	CategoryError     Category = "error"
	CategoryMetadata  Category = "metadata"
	CategoryProcedure Category = "procedure"
	CategoryOther     Category = "other"
)

// BuiltinCategories lists the categories every registry accepts.
var BuiltinCategories = []Category{
	CategoryDecision,
	CategoryFact,
	CategoryError,
	CategoryMetadata,
	CategoryProcedure,
	CategoryOther,
}

// Registry is the closed set of categories an engine instance accepts.
// It is built once at configuration time and never mutated afterwards.
type Registry struct {
	known map[Category]bool
}

// NewRegistry returns a registry holding the built-in categories plus extra.
func NewRegistry(extra ...string) (*Registry, error) {
	r := &Registry{known: make(map[Category]bool, len(BuiltinCategories)+len(extra))}
	for _, c := range BuiltinCategories {
		r.known[c] = true
	}
	for _, e := range extra {
		c := Category(strings.ToLower(strings.TrimSpace(e)))
		if c == "" {
			return nil, fmt.Errorf("empty category name")
		}
		r.known[c] = true
	}
	return r, nil
}

// Has reports whether c is registered.
func (r *Registry) Has(c Category) bool {
	return r.known[c]
}

// Categories returns the registered categories in sorted order.
func (r *Registry) Categories() []Category {
	out := make([]Category, 0, len(r.known))
	for c := range r.known {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Payload is the structured body of an event.
type Payload struct {
	Text   string         `json:"text"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Render flattens the payload into the text used for scoring and token costing.
// Fields are appended in key order so the output is deterministic.
func (p Payload) Render() string {
	if len(p.Fields) == 0 {
		return p.Text
	}
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(p.Text)
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %v", k, p.Fields[k])
	}
	return b.String()
}

// RawEvent is an event as submitted by a caller, before validation.
type RawEvent struct {
	// ID is normally empty and assigned at ingestion. A caller-supplied ID is kept as is.
	ID        string         `json:"id,omitempty"`
	Category  string         `json:"category"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   Payload        `json:"payload"`
	Tags      map[string]any `json:"tags,omitempty"`
	// TTLDays overrides the category and global TTL when set.
	TTLDays *int `json:"ttl_days,omitempty"`

	// Canonical marks the event for indexing in the semantic store as well.
	Canonical bool `json:"canonical,omitempty"`
	// PII and Labels only apply to canonical events; they become the artifact's
	// "pii" and "tags" entries.
	PII       bool      `json:"pii,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Event is a validated, immutable observation.
type Event struct {
	ID        string         `json:"id"`
	Category  Category       `json:"category"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   Payload        `json:"payload"`
	Tags      map[string]any `json:"tags,omitempty"`
	TTLDays   int            `json:"ttl_days"`
	Canonical bool           `json:"canonical,omitempty"`
}

// Field resolves a filter field against the event. Known fields are id, category
// and session_id; anything else (optionally prefixed with "tags.") is a tag lookup.
func (e Event) Field(name string) (any, bool) {
	switch name {
	case "id":
		return e.ID, true
	case "category":
		return string(e.Category), true
	case "session_id", "session":
		if e.SessionID == "" {
			return nil, false
		}
		return e.SessionID, true
	}
	v, ok := e.Tags[strings.TrimPrefix(name, "tags.")]
	return v, ok
}

// MaxTTLDays bounds ttl_days so an expiry always fits in a time.Duration.
const MaxTTLDays = 36500

// EpisodicRecord is the stored form of an event in the episodic store.
type EpisodicRecord struct {
	Event
	ExpiresAt time.Time `json:"expires_at"`
}

// NewEpisodicRecord derives the record, and its expiry, from an event.
func NewEpisodicRecord(e Event) EpisodicRecord {
	days := min(e.TTLDays, MaxTTLDays)
	return EpisodicRecord{
		Event:     e,
		ExpiresAt: e.Timestamp.Add(time.Duration(days) * 24 * time.Hour),
	}
}

// Expired reports whether the record is expired at now.
func (r EpisodicRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Provenance identifies where a record came from, e.g. "episodic@2025-01-02T03:04:05Z#fact".
func (r EpisodicRecord) Provenance() string {
	return fmt.Sprintf("episodic@%s#%s", r.Timestamp.UTC().Format(time.RFC3339), r.Category)
}

// CloneTags copies a tag map. List values get their own backing array.
func CloneTags(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.IsNil() {
		return v
	}
	cp := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
	reflect.Copy(cp, rv)
	return cp.Interface()
}
