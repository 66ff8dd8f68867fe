package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/rcliao/hybrid-memory/internal/config"
	"github.com/rcliao/hybrid-memory/internal/embedding"
	"github.com/rcliao/hybrid-memory/internal/model"
	"github.com/rcliao/hybrid-memory/internal/semantic"
	"github.com/rcliao/hybrid-memory/internal/store"
	"github.com/rcliao/hybrid-memory/internal/tokenizer"
	"github.com/rcliao/hybrid-memory/internal/trace"
	"github.com/rcliao/hybrid-memory/internal/validate"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: t0} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func flat(n int) tokenizer.Counter {
	return tokenizer.Func(func(string) (int, error) { return n, nil })
}

func words() tokenizer.Counter {
	return tokenizer.Func(func(s string) (int, error) { return len(strings.Fields(s)), nil })
}

func unit(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

func ptr[T any](v T) *T { return &v }

type failingSink struct{}

func (failingSink) Append(context.Context, model.TraceRecord) error { return errors.New("disk full") }
func (failingSink) Close() error                                     { return nil }

// counterValue reads one counter sample from reg.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

// scenarioMemory is a two-dimensional engine with window 3 and unit token costs of 10.
func scenarioMemory(t *testing.T, sink trace.Sink) (*Memory, *clock) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Episodic.WindowSize = 3
	cfg.Semantic.Dimension = 2
	clk := newClock()
	m, err := New(*cfg, Deps{Tokenizer: flat(10), Sink: sink, Now: clk.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, clk
}

func seedScenario(t *testing.T, m *Memory, clk *clock) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		clk.Advance(time.Minute)
		_, err := m.Ingest(ctx, model.RawEvent{
			ID:        fmt.Sprintf("e%d", i),
			Category:  "fact",
			SessionID: "s1",
			Payload:   model.Payload{Text: fmt.Sprintf("fact number %d", i)},
		})
		require.NoError(t, err)
	}
	_, err := m.Index(ctx, model.RawArtifact{ID: "a1", Text: "password policy", Embedding: unit(0.9)})
	require.NoError(t, err)
	_, err = m.Index(ctx, model.RawArtifact{ID: "a2", Text: "deploy checklist", Embedding: unit(0.5)})
	require.NoError(t, err)
}

func scenarioRequest(budget int) model.Request {
	return model.Request{
		QueryEmbedding: []float32{1, 0},
		KEpi:           3,
		KSem:           2,
		EpisodicFilter: model.Filter{model.Eq("session_id", "s1")},
		TokenBudget:    budget,
	}
}

func TestScenario(t *testing.T) {
	sink := trace.NewMemorySink()
	m, clk := scenarioMemory(t, sink)
	seedScenario(t, m, clk)
	ctx := context.Background()

	res, err := m.Retrieve(ctx, scenarioRequest(1000))
	require.NoError(t, err)
	assert.Equal(t, []string{"e5", "e4", "e3", "a1", "a2"}, res.OrderedIDs())
	assert.False(t, res.Truncated)

	res, err = m.Retrieve(ctx, scenarioRequest(40))
	require.NoError(t, err)
	assert.Equal(t, []string{"e5", "e4", "e3", "a1"}, res.OrderedIDs())
	assert.True(t, res.Truncated)
	assert.Equal(t, 40, res.TotalTokens)

	recs := sink.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"e5", "e4", "e3"}, recs[1].RetrievedIDs.Episodic)
	assert.Equal(t, []string{"a1"}, recs[1].RetrievedIDs.Semantic)
	assert.Equal(t, 40, recs[1].Request.TokenBudget)

	read, err := m.Traces(ctx, 1)
	require.NoError(t, err)
	require.Len(t, read, 1)
	assert.Equal(t, recs[1].ID, read[0].ID)
}

func TestRetrieveAppliesConfiguredDefaults(t *testing.T) {
	sink := trace.NewMemorySink()
	m, clk := scenarioMemory(t, sink)
	seedScenario(t, m, clk)

	res, err := m.Retrieve(context.Background(), model.Request{QueryEmbedding: []float32{1, 0}})
	require.NoError(t, err)
	// Window 3 leaves three events; k_sem 3 covers both artifacts.
	assert.Equal(t, []string{"e5", "e4", "e3", "a1", "a2"}, res.OrderedIDs())

	req := sink.Records()[0].Request
	assert.Equal(t, 4, req.KEpi)
	assert.Equal(t, 3, req.KSem)
	assert.Equal(t, 1600, req.TokenBudget)
	assert.False(t, req.Rerank)
}

func TestRetrieveNegativeKDisablesSource(t *testing.T) {
	m, clk := scenarioMemory(t, nil)
	seedScenario(t, m, clk)

	res, err := m.Retrieve(context.Background(), model.Request{QueryEmbedding: []float32{1, 0}, KEpi: -1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, res.OrderedIDs())

	res, err = m.Retrieve(context.Background(), model.Request{QueryEmbedding: []float32{1, 0}, KSem: -1})
	require.NoError(t, err)
	assert.Equal(t, []string{"e5", "e4", "e3"}, res.OrderedIDs())
}

func TestRetrieveRerankOverride(t *testing.T) {
	m, clk := scenarioMemory(t, nil)
	seedScenario(t, m, clk)
	ctx := context.Background()

	req := scenarioRequest(1000)
	req.Rerank = ptr(true)
	res, err := m.Retrieve(ctx, req)
	require.NoError(t, err)
	// No query text, so episodic items score 0 and both artifacts move ahead.
	assert.Equal(t, []string{"a1", "a2", "e5", "e4", "e3"}, res.OrderedIDs())

	req.Rerank = ptr(false)
	res, err = m.Retrieve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "e5", res.Items[0].ID)
}

func TestRetrieveIsDeterministic(t *testing.T) {
	m, clk := scenarioMemory(t, nil)
	seedScenario(t, m, clk)
	ctx := context.Background()

	first, err := m.Retrieve(ctx, scenarioRequest(30))
	require.NoError(t, err)
	second, err := m.Retrieve(ctx, scenarioRequest(30))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRetrieveInvalidFilterIsTraced(t *testing.T) {
	sink := trace.NewMemorySink()
	m, _ := scenarioMemory(t, sink)

	_, err := m.Retrieve(context.Background(), model.Request{
		QueryEmbedding: []float32{1, 0},
		SemanticFilter: model.Filter{{Field: "tags", Op: "like", Value: "x"}},
	})
	require.ErrorIs(t, err, validate.ErrValidation)

	var verr *validate.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "semantic_filters", verr.Field)

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].Error)
}

func TestRetrieveEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	sink := trace.NewMemorySink()

	cfg := config.DefaultConfig()
	cfg.Semantic.Dimension = 2
	m, err := New(*cfg, Deps{Sink: sink, TracerProvider: tp})
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	_, err = m.Retrieve(ctx, model.Request{QueryEmbedding: []float32{1, 0}, TokenBudget: 99})
	require.NoError(t, err)
	_, err = m.Retrieve(ctx, model.Request{EpisodicFilter: model.Filter{{Field: "id", Op: "bogus"}}})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "memory.Retrieve", spans[0].Name())

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, int64(99), attrs["memory.token_budget"].AsInt64())
	assert.Equal(t, sink.Records()[0].ID, attrs["memory.trace_id"].AsString())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestTraceFailureDoesNotFailRetrieve(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := config.DefaultConfig()
	cfg.Semantic.Dimension = 2
	m, err := New(*cfg, Deps{Sink: failingSink{}, Registerer: reg})
	require.NoError(t, err)
	defer m.Close()

	res, err := m.Retrieve(context.Background(), model.Request{QueryEmbedding: []float32{1, 0}})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, 1.0, counterValue(t, reg, "hybrid_memory_trace_write_failures_total", nil))
}

func TestIngestCanonicalIndexesArtifact(t *testing.T) {
	cfg := config.DefaultConfig()
	m, err := New(*cfg, Deps{Embedder: embedding.NewHashEmbedder(0)})
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	ev, err := m.Ingest(ctx, model.RawEvent{
		Category:  "decision",
		SessionID: "s1",
		Payload:   model.Payload{Text: "refund policy is thirty days"},
		Tags:      map[string]any{"team": "billing"},
		Canonical: true,
		Labels:    []string{"policy"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, 30, ev.TTLDays)

	st := m.Stats()
	assert.Equal(t, 1, st.Episodic.Records)
	assert.Equal(t, 1, st.Artifacts)
	assert.Equal(t, 256, st.Dimension)

	res, err := m.Retrieve(ctx, model.Request{
		QueryText:      "refund policy",
		KEpi:           -1,
		SemanticFilter: model.Filter{model.Contains("tags", "policy"), model.Eq("team", "billing")},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, ev.ID, res.Items[0].ID)
	assert.Equal(t, model.SourceSemantic, res.Items[0].Source)
	assert.Equal(t, "semantic#"+ev.ID, res.Items[0].Provenance)
}

func TestPIIArtifactsNeedAllowPII(t *testing.T) {
	cfg := config.DefaultConfig()
	m, err := New(*cfg, Deps{Embedder: embedding.NewHashEmbedder(0)})
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	_, err = m.Index(ctx, model.RawArtifact{ID: "p1", Text: "customer phone numbers", PII: true})
	require.NoError(t, err)

	res, err := m.Retrieve(ctx, model.Request{QueryText: "customer phone", KEpi: -1})
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	res, err = m.Retrieve(ctx, model.Request{QueryText: "customer phone", KEpi: -1, AllowPII: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, res.OrderedIDs())
	assert.Equal(t, 1, m.Stats().PIIArtifacts)
}

func TestIngestRejectionsStoreNothing(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := config.DefaultConfig()
	cfg.Semantic.Dimension = 2
	m, err := New(*cfg, Deps{Registerer: reg})
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	_, err = m.Ingest(ctx, model.RawEvent{Category: "gossip", Payload: model.Payload{Text: "x"}})
	require.ErrorIs(t, err, validate.ErrValidation)

	_, err = m.Ingest(ctx, model.RawEvent{
		Category:  "fact",
		Payload:   model.Payload{Text: "canonical with a bad vector"},
		Canonical: true,
		Embedding: []float32{1, 0, 0},
	})
	require.ErrorIs(t, err, semantic.ErrDimensionMismatch)

	_, err = m.Ingest(ctx, model.RawEvent{
		Category:  "fact",
		Payload:   model.Payload{Text: "canonical without a vector"},
		Canonical: true,
	})
	require.ErrorIs(t, err, semantic.ErrNoEmbedder)

	st := m.Stats()
	assert.Zero(t, st.Episodic.Records)
	assert.Zero(t, st.Artifacts)

	const name = "hybrid_memory_ingest_errors_total"
	assert.Equal(t, 1.0, counterValue(t, reg, name, map[string]string{"reason": "validation"}))
	assert.Equal(t, 1.0, counterValue(t, reg, name, map[string]string{"reason": "dimension"}))
	assert.Equal(t, 1.0, counterValue(t, reg, name, map[string]string{"reason": "no_embedder"}))
}

func TestRequireSession(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Episodic.RequireSession = true
	m, err := New(*cfg, Deps{})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Ingest(context.Background(), model.RawEvent{Category: "fact", Payload: model.Payload{Text: "x"}})
	var verr *validate.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "session_id", verr.Field)
}

func TestTTLAndCategoryDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Episodic.CategoryTTLDays = map[string]int{"error": 1}
	clk := newClock()
	m, err := New(*cfg, Deps{Now: clk.Now})
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	short, err := m.Ingest(ctx, model.RawEvent{Category: "error", Payload: model.Payload{Text: "timeout"}})
	require.NoError(t, err)
	assert.Equal(t, 1, short.TTLDays)
	long, err := m.Ingest(ctx, model.RawEvent{Category: "fact", Payload: model.Payload{Text: "sky is blue"}})
	require.NoError(t, err)
	assert.Equal(t, 30, long.TTLDays)

	clk.Advance(12 * time.Hour)
	res, err := m.Retrieve(ctx, model.Request{KSem: -1})
	require.NoError(t, err)
	assert.Equal(t, []string{long.ID, short.ID}, res.OrderedIDs())

	clk.Advance(36 * time.Hour)
	assert.Equal(t, 1, m.EvictExpired(ctx))
	assert.Equal(t, 0, m.EvictExpired(ctx))
	assert.Equal(t, 1, m.Stats().Episodic.Records)

	res, err = m.Retrieve(ctx, model.Request{KSem: -1})
	require.NoError(t, err)
	assert.Equal(t, []string{long.ID}, res.OrderedIDs())
}

func TestIndexSplitsLongText(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Semantic.ChunkTokens = 5
	m, err := New(*cfg, Deps{Embedder: embedding.NewHashEmbedder(0), Tokenizer: words()})
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	text := "alpha beta gamma delta\n\nepsilon zeta eta theta\n\niota kappa"
	arts, err := m.Index(ctx, model.RawArtifact{ID: "doc", Text: text, Labels: []string{"greek"}})
	require.NoError(t, err)
	require.Len(t, arts, 3)
	for i, a := range arts {
		assert.Equal(t, fmt.Sprintf("doc#%d", i+1), a.ID)
		assert.Equal(t, []string{"greek"}, a.Labels())
	}
	assert.Equal(t, "iota kappa", arts[2].Text)

	short, err := m.Index(ctx, model.RawArtifact{Text: "one two"})
	require.NoError(t, err)
	require.Len(t, short, 1)
	assert.NotEmpty(t, short[0].ID)
	assert.Equal(t, 4, m.Stats().Artifacts)
}

func TestRestoreFromJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	cfg := config.DefaultConfig()
	cfg.Semantic.Dimension = 2
	clk := newClock()
	ctx := context.Background()

	open := func() (*Memory, *store.SQLiteStore) {
		j, err := store.NewSQLiteStore(path)
		require.NoError(t, err)
		m, err := New(*cfg, Deps{Journal: j, Tokenizer: flat(10), Now: clk.Now})
		require.NoError(t, err)
		require.NoError(t, m.Restore(ctx))
		return m, j
	}

	m, j := open()
	seedScenario(t, m, clk)
	_, err := m.Ingest(ctx, model.RawEvent{
		Category:  "fact",
		SessionID: "s2",
		Payload:   model.Payload{Text: "canonical fact"},
		Canonical: true,
		Embedding: unit(0.1),
	})
	require.NoError(t, err)
	before, err := m.Retrieve(ctx, scenarioRequest(1000))
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, j.Close())

	m2, j2 := open()
	defer j2.Close()
	defer m2.Close()

	after, err := m2.Retrieve(ctx, scenarioRequest(1000))
	require.NoError(t, err)
	assert.Equal(t, before.OrderedIDs(), after.OrderedIDs())
	assert.Equal(t, 3, m2.Stats().Artifacts)

	// The journal keeps all five events; replay re-applies the window.
	assert.Equal(t, 4, m2.Stats().Episodic.Records)

	ev, err := m2.Ingest(ctx, model.RawEvent{Category: "fact", SessionID: "s1", Payload: model.Payload{Text: "after restore"}})
	require.NoError(t, err)
	assert.False(t, ev.Timestamp.Before(clk.Now()))
}

func TestEvictExpiredPurgesJournal(t *testing.T) {
	j, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	defer j.Close()

	clk := newClock()
	m, err := New(*config.DefaultConfig(), Deps{Journal: j, Now: clk.Now})
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	_, err = m.Ingest(ctx, model.RawEvent{Category: "fact", Payload: model.Payload{Text: "short"}, TTLDays: ptr(1)})
	require.NoError(t, err)
	_, err = m.Ingest(ctx, model.RawEvent{Category: "fact", Payload: model.Payload{Text: "long"}})
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)
	assert.Equal(t, 1, m.EvictExpired(ctx))

	all, err := j.Events(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "long", all[0].Payload.Text)
}

func TestOpenFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Journal.Path = filepath.Join(dir, "db", "memory.db")
	cfg.Trace.Path = filepath.Join(dir, "traces", "traces.jsonl")
	ctx := context.Background()

	m, err := Open(ctx, cfg, nil, nil)
	require.NoError(t, err)
	_, err = m.Ingest(ctx, model.RawEvent{
		Category:  "procedure",
		SessionID: "s1",
		Payload:   model.Payload{Text: "run migrations before deploy"},
		Canonical: true,
	})
	require.NoError(t, err)
	_, err = m.Retrieve(ctx, model.Request{QueryText: "deploy"})
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	m, err = Open(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer m.Close()

	st := m.Stats()
	assert.Equal(t, 1, st.Episodic.Records)
	assert.Equal(t, 1, st.Artifacts)

	res, err := m.Retrieve(ctx, model.Request{QueryText: "deploy"})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)

	traces, err := m.Traces(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, traces, 2)
}

func TestOpenSQLiteSink(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "memory.db")
	cfg.Trace.Sink = config.SinkSQLite
	ctx := context.Background()

	m, err := Open(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Retrieve(ctx, model.Request{QueryText: "anything"})
	require.NoError(t, err)
	traces, err := m.Traces(ctx, 10)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "anything", traces[0].Request.QueryText)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TokenBudget = 0
	_, err := New(*cfg, Deps{})
	require.Error(t, err)

	cfg = config.DefaultConfig()
	_, err = New(*cfg, Deps{Embedder: embedding.NewHashEmbedder(64)})
	require.ErrorIs(t, err, semantic.ErrDimensionMismatch)
}

func TestRetrieveBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := config.DefaultConfig()
		cfg.Semantic.Dimension = 2
		cfg.Episodic.WindowSize = rapid.IntRange(1, 10).Draw(rt, "window")
		m, err := New(*cfg, Deps{Tokenizer: words()})
		require.NoError(rt, err)
		defer m.Close()
		ctx := context.Background()

		nEvents := rapid.IntRange(0, 15).Draw(rt, "events")
		for i := 0; i < nEvents; i++ {
			text := strings.Repeat("word ", rapid.IntRange(1, 6).Draw(rt, "len"))
			_, err := m.Ingest(ctx, model.RawEvent{Category: "fact", Payload: model.Payload{Text: text}})
			require.NoError(rt, err)
		}
		nArts := rapid.IntRange(0, 8).Draw(rt, "artifacts")
		for i := 0; i < nArts; i++ {
			cos := rapid.Float64Range(-1, 1).Draw(rt, "cos")
			_, err := m.Index(ctx, model.RawArtifact{
				ID:        fmt.Sprintf("a%d", i),
				Text:      strings.Repeat("fact ", rapid.IntRange(1, 6).Draw(rt, "alen")),
				Embedding: unit(cos),
			})
			require.NoError(rt, err)
		}

		req := model.Request{
			QueryText:      "word fact",
			QueryEmbedding: []float32{1, 0},
			KEpi:           rapid.IntRange(1, 6).Draw(rt, "k_epi"),
			KSem:           rapid.IntRange(1, 6).Draw(rt, "k_sem"),
			TokenBudget:    rapid.IntRange(1, 30).Draw(rt, "budget"),
			Rerank:         ptr(rapid.Bool().Draw(rt, "rerank")),
		}
		first, err := m.Retrieve(ctx, req)
		require.NoError(rt, err)
		second, err := m.Retrieve(ctx, req)
		require.NoError(rt, err)

		assert.Equal(rt, first.OrderedIDs(), second.OrderedIDs())
		assert.LessOrEqual(rt, first.Candidates, req.KEpi+req.KSem)
		assert.LessOrEqual(rt, first.TotalTokens, req.TokenBudget)
		assert.LessOrEqual(rt, m.Stats().Episodic.Records, cfg.Episodic.WindowSize)
	})
}

func TestIngestRejectsDuplicateID(t *testing.T) {
	j, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	defer j.Close()

	reg := prometheus.NewRegistry()
	cfg := config.DefaultConfig()
	cfg.Episodic.WindowSize = 1
	cfg.Semantic.Dimension = 2
	clk := newClock()
	m, err := New(*cfg, Deps{Journal: j, Tokenizer: flat(10), Registerer: reg, Now: clk.Now})
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	requireDuplicate := func(err error) {
		t.Helper()
		var verr *validate.Error
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "id", verr.Field)
		assert.Equal(t, "duplicate", verr.Reason)
	}

	_, err = m.Ingest(ctx, model.RawEvent{ID: "e1", Category: "fact", SessionID: "s1", Payload: model.Payload{Text: "first"}})
	require.NoError(t, err)
	_, err = m.Ingest(ctx, model.RawEvent{ID: "e1", Category: "fact", SessionID: "s1", Payload: model.Payload{Text: "second"}})
	requireDuplicate(err)

	res, err := m.Retrieve(ctx, model.Request{KEpi: 5, KSem: -1})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "first", res.Items[0].Content)

	// e1 leaves the window but stays in the journal.
	_, err = m.Ingest(ctx, model.RawEvent{ID: "e2", Category: "fact", SessionID: "s1", Payload: model.Payload{Text: "next"}})
	require.NoError(t, err)
	_, err = m.Ingest(ctx, model.RawEvent{ID: "e1", Category: "fact", SessionID: "s1", Payload: model.Payload{Text: "again"}})
	requireDuplicate(err)

	_, err = m.Index(ctx, model.RawArtifact{ID: "a1", Text: "password policy", Embedding: unit(0.9)})
	require.NoError(t, err)
	_, err = m.Ingest(ctx, model.RawEvent{
		ID:        "a1",
		Category:  "fact",
		SessionID: "s2",
		Payload:   model.Payload{Text: "replacement policy"},
		Canonical: true,
		Embedding: unit(0.1),
	})
	requireDuplicate(err)
	a1, ok := m.semantic.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "password policy", a1.Text)

	events, err := j.Events(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "first", events[0].Payload.Text)
	assert.Equal(t, 3.0, counterValue(t, reg, "hybrid_memory_ingest_errors_total", map[string]string{"reason": "validation"}))
}

func TestIngestRejectsOversizedTTL(t *testing.T) {
	clk := newClock()
	m, err := New(*config.DefaultConfig(), Deps{Now: clk.Now})
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	_, err = m.Ingest(ctx, model.RawEvent{Category: "fact", Payload: model.Payload{Text: "forever"}, TTLDays: ptr(200000)})
	var verr *validate.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "ttl_days", verr.Field)
	assert.Zero(t, m.Stats().Episodic.Records)

	ev, err := m.Ingest(ctx, model.RawEvent{Category: "fact", Payload: model.Payload{Text: "a century"}, TTLDays: ptr(model.MaxTTLDays)})
	require.NoError(t, err)
	res, err := m.Retrieve(ctx, model.Request{KSem: -1})
	require.NoError(t, err)
	assert.Equal(t, []string{ev.ID}, res.OrderedIDs())
}

func TestConcurrentIngestAndRetrieve(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Episodic.WindowSize = 5
	cfg.Semantic.Dimension = 2
	m, err := New(*cfg, Deps{Tokenizer: words()})
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	const workers, rounds = 8, 50
	errs := make(chan error, workers*rounds*2)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", w%4)
			for i := 0; i < rounds; i++ {
				raw := model.RawEvent{
					Category:  "fact",
					SessionID: session,
					Payload:   model.Payload{Text: fmt.Sprintf("worker %d round %d", w, i)},
				}
				if i%10 == 0 {
					raw.Canonical = true
					raw.Embedding = unit(float64(i) / rounds)
				}
				if _, err := m.Ingest(ctx, raw); err != nil {
					errs <- err
				}
				res, err := m.Retrieve(ctx, model.Request{
					QueryText:      "worker round",
					QueryEmbedding: []float32{1, 0},
					KEpi:           3,
					KSem:           2,
				})
				if err != nil {
					errs <- err
					continue
				}
				if len(res.Items) > 5 {
					errs <- fmt.Errorf("retrieve returned %d items", len(res.Items))
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	st := m.Stats()
	for scope, n := range st.Episodic.Scopes {
		assert.LessOrEqual(t, n, cfg.Episodic.WindowSize, "scope %s", scope)
	}
	assert.Equal(t, 4*cfg.Episodic.WindowSize, st.Episodic.Records)
	assert.Equal(t, workers*rounds/10, st.Artifacts)
}
