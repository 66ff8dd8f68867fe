package model

import (
	"strings"
	"time"
)

// Tag keys with fixed meaning on artifacts.
const (
	TagPII    = "pii"
	TagLabels = "tags"
)

// RawArtifact is a canonical artifact as submitted by a caller.
type RawArtifact struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Embedding []float32      `json:"embedding,omitempty"`
	Tags      map[string]any `json:"tags,omitempty"`
	Labels    []string       `json:"labels,omitempty"`
	PII       bool           `json:"pii,omitempty"`
}

// Artifact is a durable unit of canonical knowledge held by the semantic store.
type Artifact struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Embedding []float32      `json:"embedding"`
	Tags      map[string]any `json:"tags"`
	CreatedAt time.Time      `json:"created_at"`
}

// PII reports whether the artifact is flagged as containing personal data.
func (a Artifact) PII() bool {
	v, _ := a.Tags[TagPII].(bool)
	return v
}

// Labels returns the artifact's label list.
func (a Artifact) Labels() []string {
	switch v := a.Tags[TagLabels].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Field resolves a filter field against the artifact's id and tags.
func (a Artifact) Field(name string) (any, bool) {
	if name == "id" {
		return a.ID, true
	}
	v, ok := a.Tags[strings.TrimPrefix(name, "tags.")]
	return v, ok
}

// Provenance identifies the artifact, e.g. "semantic#policy_pwd_01".
func (a Artifact) Provenance() string {
	return "semantic#" + a.ID
}

// BuildTags merges the caller's tag map with the reserved pii and tags entries.
func BuildTags(tags map[string]any, labels []string, pii bool) map[string]any {
	out := CloneTags(tags)
	if out == nil {
		out = make(map[string]any, 2)
	}
	if _, ok := out[TagPII]; !ok || pii {
		out[TagPII] = pii
	}
	if len(labels) > 0 {
		out[TagLabels] = append([]string(nil), labels...)
	}
	return out
}
