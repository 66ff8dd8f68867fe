package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcliao/hybrid-memory/internal/model"
)

// SQLiteStore is the SQLite-backed journal.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		category    TEXT NOT NULL,
		session_id  TEXT,
		ts          TEXT NOT NULL,
		payload     TEXT NOT NULL,
		tags        TEXT,
		ttl_days    INTEGER NOT NULL,
		canonical   INTEGER NOT NULL DEFAULT 0,
		expires_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_expires ON events(expires_at);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, category);

	CREATE TABLE IF NOT EXISTS artifacts (
		id          TEXT PRIMARY KEY,
		text        TEXT NOT NULL,
		embedding   TEXT NOT NULL,
		tags        TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at);

	CREATE TABLE IF NOT EXISTS traces (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL,
		span        TEXT NOT NULL,
		ts          TEXT NOT NULL,
		latency_ms  REAL NOT NULL,
		body        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_traces_ts ON traces(ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// AppendEvent journals a validated event. Re-appending an id is a no-op.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev model.Event) error {
	return appendEvent(ctx, s.db, ev)
}

func appendEvent(ctx context.Context, ex execer, ev model.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	tags, err := marshalTags(ev.Tags)
	if err != nil {
		return err
	}
	rec := model.NewEpisodicRecord(ev)
	_, err = ex.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, category, session_id, ts, payload, tags, ttl_days, canonical, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Category), nullString(ev.SessionID), formatTS(ev.Timestamp),
		string(payload), tags, ev.TTLDays, ev.Canonical, formatTS(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// HasEvent reports whether an event with id is journaled.
func (s *SQLiteStore) HasEvent(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup event %s: %w", id, err)
	}
	return n > 0, nil
}

// Events returns journaled events in arrival order. A non-zero now skips
// events already expired at now.
func (s *SQLiteStore) Events(ctx context.Context, now time.Time) ([]model.Event, error) {
	query := `SELECT id, category, session_id, ts, payload, tags, ttl_days, canonical FROM events`
	var args []interface{}
	if !now.IsZero() {
		query += ` WHERE expires_at > ?`
		args = append(args, formatTS(now))
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeExpiredEvents deletes events whose expiry is at or before now.
func (s *SQLiteStore) PurgeExpiredEvents(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE expires_at <= ?`, formatTS(now))
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return res.RowsAffected()
}

// PutArtifact journals an artifact, replacing any artifact with the same id.
func (s *SQLiteStore) PutArtifact(ctx context.Context, a model.Artifact) error {
	return putArtifact(ctx, s.db, a)
}

func putArtifact(ctx context.Context, ex execer, a model.Artifact) error {
	emb, err := json.Marshal(a.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	tags, err := marshalTags(a.Tags)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (id, text, embedding, tags, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Text, string(emb), tags, formatTS(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// Artifacts returns every journaled artifact, oldest first.
func (s *SQLiteStore) Artifacts(ctx context.Context) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, embedding, tags, created_at FROM artifacts ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (model.Event, error) {
	var ev model.Event
	var category, ts, payload string
	var session, tags sql.NullString

	err := row.Scan(&ev.ID, &category, &session, &ts, &payload, &tags, &ev.TTLDays, &ev.Canonical)
	if err != nil {
		return ev, err
	}
	ev.Category = model.Category(category)
	ev.SessionID = session.String
	ev.Timestamp = parseTS(ts)
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return ev, fmt.Errorf("decode payload of %s: %w", ev.ID, err)
	}
	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &ev.Tags); err != nil {
			return ev, fmt.Errorf("decode tags of %s: %w", ev.ID, err)
		}
	}
	return ev, nil
}

func scanArtifact(row scanner) (model.Artifact, error) {
	var a model.Artifact
	var emb, created string
	var tags sql.NullString

	if err := row.Scan(&a.ID, &a.Text, &emb, &tags, &created); err != nil {
		return a, err
	}
	a.CreatedAt = parseTS(created)
	if err := json.Unmarshal([]byte(emb), &a.Embedding); err != nil {
		return a, fmt.Errorf("decode embedding of %s: %w", a.ID, err)
	}
	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &a.Tags); err != nil {
			return a, fmt.Errorf("decode tags of %s: %w", a.ID, err)
		}
	}
	return a, nil
}

func marshalTags(tags map[string]any) (*string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	s := string(b)
	return &s, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
