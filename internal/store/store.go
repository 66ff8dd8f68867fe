// Package store persists the memory journal and the trace log in SQLite.
//
// The journal is append-only: every validated event and every indexed
// artifact is written here before it reaches the in-memory stores, so a new
// process can rebuild both stores by replaying it.
package store

import (
	"time"

	"github.com/rcliao/hybrid-memory/internal/model"
)

// tsLayout is a fixed-width UTC layout, so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// Snapshot is a portable dump of the journal.
type Snapshot struct {
	Events    []model.Event    `json:"events"`
	Artifacts []model.Artifact `json:"artifacts"`
}
