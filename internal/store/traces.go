package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rcliao/hybrid-memory/internal/model"
)

// TraceLog is a trace sink writing to the traces table of a SQLiteStore.
type TraceLog struct {
	s *SQLiteStore
}

// TraceSink returns a sink over this database. Closing the sink leaves the
// database open; the store owns it.
func (s *SQLiteStore) TraceSink() *TraceLog {
	return &TraceLog{s: s}
}

func (t *TraceLog) Append(ctx context.Context, rec model.TraceRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	_, err = t.s.db.ExecContext(ctx,
		`INSERT INTO traces (id, span, ts, latency_ms, body) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Span, formatTS(rec.Timestamp), rec.LatencyMS, string(body))
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

func (t *TraceLog) Traces(ctx context.Context, limit int) ([]model.TraceRecord, error) {
	return t.s.Traces(ctx, limit)
}

func (t *TraceLog) Close() error { return nil }

// Traces returns the most recent limit traces in call order. limit <= 0 returns all.
func (s *SQLiteStore) Traces(ctx context.Context, limit int) ([]model.TraceRecord, error) {
	query := `SELECT body FROM traces ORDER BY seq`
	var args []interface{}
	if limit > 0 {
		query = `SELECT body FROM (SELECT seq, body FROM traces ORDER BY seq DESC LIMIT ?) ORDER BY seq`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TraceRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var rec model.TraceRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode trace: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
