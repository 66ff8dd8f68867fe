package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rcliao/hybrid-memory/internal/config"
	"github.com/rcliao/hybrid-memory/internal/embedding"
	"github.com/rcliao/hybrid-memory/internal/store"
	"github.com/rcliao/hybrid-memory/internal/trace"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Open builds every dependency cfg describes (embedder, SQLite journal, trace
// sink), creates the Memory and restores it from the journal. The returned
// Memory owns what Open created; Close releases it.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*Memory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	emb, err := embedding.New(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	if c, ok := emb.(*embedding.Cached); ok {
		closers = append(closers, func() error { c.Close(); return nil })
	}

	var journal *store.SQLiteStore
	if cfg.Journal.Path != "" {
		if dir := filepath.Dir(cfg.Journal.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				cleanup()
				return nil, fmt.Errorf("create journal dir: %w", err)
			}
		}
		journal, err = store.NewSQLiteStore(cfg.Journal.Path)
		if err != nil {
			cleanup()
			return nil, err
		}
		closers = append(closers, journal.Close)
	}

	sink, err := openSink(ctx, cfg.Trace, journal)
	if err != nil {
		cleanup()
		return nil, err
	}

	deps := Deps{
		Embedder:   emb,
		Sink:       sink,
		Logger:     logger,
		Registerer: reg,
	}
	if journal != nil {
		deps.Journal = journal
	}
	m, err := New(*cfg, deps)
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		cleanup()
		return nil, err
	}
	for _, c := range closers {
		m.closers = append(m.closers, closerFunc(c))
	}

	if err := m.Restore(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func openSink(ctx context.Context, tc config.TraceConfig, journal *store.SQLiteStore) (trace.Sink, error) {
	switch tc.Sink {
	case config.SinkNone, "":
		return nil, nil
	case config.SinkMemory:
		return trace.NewMemorySink(), nil
	case config.SinkJSONL:
		return trace.NewJSONLSink(tc.Path)
	case config.SinkSQLite:
		if journal == nil {
			return nil, fmt.Errorf("sqlite trace sink needs a journal path")
		}
		return journal.TraceSink(), nil
	case config.SinkRedis:
		return trace.NewRedisSink(ctx, tc.RedisAddr, tc.RedisPassword, tc.RedisDB, tc.RedisKey)
	}
	return nil, fmt.Errorf("unknown trace sink %q", tc.Sink)
}
