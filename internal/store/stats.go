package store

import (
	"context"
	"os"
	"time"
)

// Stats holds database statistics.
type Stats struct {
	DBPath       string          `json:"db_path"`
	DBSizeBytes  int64           `json:"db_size_bytes"`
	TotalEvents  int             `json:"total_events"`
	ActiveEvents int             `json:"active_events"`
	Artifacts    int             `json:"artifacts"`
	Traces       int             `json:"traces"`
	Categories   []CategoryStats `json:"categories"`
}

// CategoryStats holds per-category event counts.
type CategoryStats struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
	Sessions int    `json:"sessions"`
}

// Stats returns database statistics. Events expired at now are not active.
func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	counts := []struct {
		dst   *int
		query string
		args  []interface{}
	}{
		{&st.TotalEvents, `SELECT COUNT(*) FROM events`, nil},
		{&st.ActiveEvents, `SELECT COUNT(*) FROM events WHERE expires_at > ?`, []interface{}{formatTS(now)}},
		{&st.Artifacts, `SELECT COUNT(*) FROM artifacts`, nil},
		{&st.Traces, `SELECT COUNT(*) FROM traces`, nil},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dst); err != nil {
			return st, err
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*) AS cnt, COUNT(DISTINCT session_id) AS sessions
		FROM events WHERE expires_at > ?
		GROUP BY category ORDER BY cnt DESC, category`, formatTS(now))
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var c CategoryStats
		if err := rows.Scan(&c.Category, &c.Count, &c.Sessions); err != nil {
			return st, err
		}
		st.Categories = append(st.Categories, c)
	}
	return st, rows.Err()
}
