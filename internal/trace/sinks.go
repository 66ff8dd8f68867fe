package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/rcliao/hybrid-memory/internal/model"
)

// DefaultPath is where the JSONL sink writes when no path is configured.
const DefaultPath = "out/traces.jsonl"

// Reader reads a sink's records back in call order. limit > 0 keeps only the
// most recent limit records.
type Reader interface {
	Traces(ctx context.Context, limit int) ([]model.TraceRecord, error)
}

func lastN(recs []model.TraceRecord, limit int) []model.TraceRecord {
	if limit > 0 && len(recs) > limit {
		return recs[len(recs)-limit:]
	}
	return recs
}

// MemorySink keeps records in memory, mainly for tests and embedding callers.
type MemorySink struct {
	mu      sync.Mutex
	records []model.TraceRecord
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Append(_ context.Context, rec model.TraceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of everything appended so far.
func (m *MemorySink) Records() []model.TraceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TraceRecord(nil), m.records...)
}

func (m *MemorySink) Traces(_ context.Context, limit int) ([]model.TraceRecord, error) {
	return lastN(m.Records(), limit), nil
}

func (m *MemorySink) Close() error { return nil }

// JSONLSink appends one JSON object per line to a file.
type JSONLSink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewJSONLSink opens path for appending, creating parent directories.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create trace dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &JSONLSink{f: f, path: path}, nil
}

func (j *JSONLSink) Append(_ context.Context, rec model.TraceRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", j.path, err)
	}
	return nil
}

func (j *JSONLSink) Traces(_ context.Context, limit int) ([]model.TraceRecord, error) {
	recs, err := ReadJSONL(j.path)
	if err != nil {
		return nil, err
	}
	return lastN(recs, limit), nil
}

// Path returns the file being written.
func (j *JSONLSink) Path() string { return j.path }

func (j *JSONLSink) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// ReadJSONL loads every record from a JSONL trace file. A missing file yields
// no records.
func ReadJSONL(path string) ([]model.TraceRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	var out []model.TraceRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec model.TraceRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read trace file: %w", err)
	}
	return out, nil
}

// DefaultRedisKey is the list the Redis sink appends to.
const DefaultRedisKey = "hybrid-memory:traces"

// RedisSink appends JSON records to a Redis list with RPUSH, so call order is
// list order and any process can read the log back.
type RedisSink struct {
	client *redis.Client
	key    string
	owned  bool
}

// NewRedisSink connects to addr and verifies the connection.
func NewRedisSink(ctx context.Context, addr, password string, db int, key string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	s := NewRedisSinkFromClient(client, key)
	s.owned = true
	return s, nil
}

// NewRedisSinkFromClient wraps an existing client; Close leaves the client open.
func NewRedisSinkFromClient(client *redis.Client, key string) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSink{client: client, key: key}
}

func (r *RedisSink) Append(ctx context.Context, rec model.TraceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	if err := r.client.RPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", r.key, err)
	}
	return nil
}

// Records returns the records between start and stop inclusive, using Redis
// list indexing (negative indexes count from the end).
func (r *RedisSink) Records(ctx context.Context, start, stop int64) ([]model.TraceRecord, error) {
	raw, err := r.client.LRange(ctx, r.key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", r.key, err)
	}
	out := make([]model.TraceRecord, 0, len(raw))
	for _, s := range raw {
		var rec model.TraceRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode trace: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisSink) Traces(ctx context.Context, limit int) ([]model.TraceRecord, error) {
	if limit > 0 {
		return r.Records(ctx, -int64(limit), -1)
	}
	return r.Records(ctx, 0, -1)
}

func (r *RedisSink) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
