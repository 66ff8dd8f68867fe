// Package memory is the engine's single entry point. A Memory owns the
// validator, both stores, the retriever and the tracer, and composes them for
// ingestion and retrieval.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rcliao/hybrid-memory/internal/chunker"
	"github.com/rcliao/hybrid-memory/internal/config"
	"github.com/rcliao/hybrid-memory/internal/embedding"
	"github.com/rcliao/hybrid-memory/internal/episodic"
	"github.com/rcliao/hybrid-memory/internal/metrics"
	"github.com/rcliao/hybrid-memory/internal/model"
	"github.com/rcliao/hybrid-memory/internal/retrieval"
	"github.com/rcliao/hybrid-memory/internal/semantic"
	"github.com/rcliao/hybrid-memory/internal/tokenizer"
	"github.com/rcliao/hybrid-memory/internal/trace"
	"github.com/rcliao/hybrid-memory/internal/validate"
)

const instrumentationName = "github.com/rcliao/hybrid-memory/internal/memory"

// Journal persists accepted events and artifacts so a later process can
// rebuild its stores with Restore.
type Journal interface {
	AppendEvent(ctx context.Context, ev model.Event) error
	HasEvent(ctx context.Context, id string) (bool, error)
	Events(ctx context.Context, now time.Time) ([]model.Event, error)
	PurgeExpiredEvents(ctx context.Context, now time.Time) (int64, error)
	PutArtifact(ctx context.Context, a model.Artifact) error
	Artifacts(ctx context.Context) ([]model.Artifact, error)
}

// Deps are the injected capabilities. Every field is optional.
type Deps struct {
	// Embedder computes artifact and query embeddings. Without one, callers
	// must supply embeddings on canonical events and requests.
	Embedder embedding.Embedder
	// Tokenizer prices result items. Nil builds the configured counter.
	Tokenizer tokenizer.Counter
	// Sink receives one trace record per retrieval. Nil discards them.
	Sink trace.Sink
	// Journal, when set, is written before the in-memory stores.
	Journal Journal
	// Index overrides the configured semantic backend.
	Index semantic.Index
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// TracerProvider receives the Retrieve spans. Nil uses the global provider.
	TracerProvider oteltrace.TracerProvider
	// Now is the engine clock; defaults to time.Now.
	Now func() time.Time
}

// Memory composes the engine's components.
type Memory struct {
	cfg       config.Config
	now       func() time.Time
	validator *validate.Validator
	episodic  *episodic.Store
	semantic  *semantic.Store
	retriever *retrieval.Retriever
	tracer    *trace.Tracer
	sink      trace.Sink
	splitter  *chunker.Splitter
	journal   Journal
	metrics   *metrics.Collector
	otel      oteltrace.Tracer
	logger    *zap.Logger

	// ingestMu makes the duplicate-id check and the writes one step.
	ingestMu sync.Mutex

	closers   []io.Closer
	closeOnce sync.Once
	closeErr  error
}

// New builds a Memory from cfg. The configuration is validated and copied;
// later changes to cfg have no effect.
func New(cfg config.Config, deps Deps) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	collector := metrics.NewCollector(metrics.DefaultNamespace, deps.Registerer)

	counter := deps.Tokenizer
	if counter == nil {
		counter, err = tokenizer.New(cfg.Tokenizer.Kind, cfg.Tokenizer.Encoding)
		if err != nil {
			return nil, err
		}
	}

	index := deps.Index
	if index == nil {
		index, err = newIndex(cfg.Semantic.Backend)
		if err != nil {
			return nil, err
		}
	}
	sem, err := semantic.New(semantic.Options{
		Dimension: cfg.Semantic.Dimension,
		ScrubPII:  cfg.Semantic.ScrubPII,
		Now:       now,
	}, deps.Embedder, index, logger)
	if err != nil {
		return nil, err
	}

	epi := episodic.New(episodic.Options{
		WindowSize:      cfg.Episodic.WindowSize,
		CategoryWindows: cfg.CategoryWindows(),
		PerSession:      cfg.Episodic.PerSession,
		Now:             now,
		OnEvict:         collector.RecordEviction,
	}, logger)

	sink := deps.Sink
	if sink == nil {
		sink = trace.Discard{}
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	m := &Memory{
		cfg: cfg,
		now: now,
		validator: validate.New(validate.Options{
			Registry:        reg,
			RequireSession:  cfg.Episodic.RequireSession,
			DefaultTTLDays:  cfg.EpisodicTTLDays,
			CategoryTTLDays: cfg.CategoryTTL(),
			Now:             now,
		}),
		episodic:  epi,
		semantic:  sem,
		retriever: retrieval.New(epi, sem, counter, logger),
		tracer: trace.New(sink, trace.Options{
			RedactPII: cfg.Trace.RedactPII,
			Async:     cfg.Trace.Async,
			Buffer:    cfg.Trace.Buffer,
			Now:       now,
			OnError:   func(error) { collector.RecordTraceFailure() },
		}, logger),
		sink:    sink,
		journal: deps.Journal,
		metrics: collector,
		otel:    tp.Tracer(instrumentationName),
		logger:  logger.With(zap.String("component", "memory")),
	}
	if cfg.Semantic.ChunkTokens > 0 {
		m.splitter = chunker.New(cfg.Semantic.ChunkTokens, counter)
	}
	return m, nil
}

func newIndex(backend string) (semantic.Index, error) {
	switch backend {
	case config.BackendChromem:
		return semantic.NewChromemIndex("artifacts")
	case config.BackendFlat, "":
		return semantic.NewFlatIndex(), nil
	}
	return nil, fmt.Errorf("unknown semantic backend %q", backend)
}

// Config returns the configuration the engine was built with.
func (m *Memory) Config() config.Config { return m.cfg }

// Ingest validates raw and stores it in the episodic store, and in the
// semantic store as well when it is marked canonical. A rejected event is
// stored nowhere. An id already held by the episodic store, the journal or,
// for canonical events, the semantic store is rejected as a duplicate.
func (m *Memory) Ingest(ctx context.Context, raw model.RawEvent) (model.Event, error) {
	m.ingestMu.Lock()
	defer m.ingestMu.Unlock()

	ev, err := m.validator.Validate(raw)
	if err == nil {
		err = m.checkUnique(ctx, ev)
	}
	if err != nil {
		m.metrics.RecordIngestError(failureReason(err))
		return model.Event{}, err
	}

	var art model.Artifact
	if ev.Canonical {
		art, err = m.semantic.Prepare(ctx, model.RawArtifact{
			ID:        ev.ID,
			Text:      ev.Payload.Render(),
			Embedding: raw.Embedding,
			Tags:      ev.Tags,
			Labels:    raw.Labels,
			PII:       raw.PII,
		})
		if err != nil {
			m.metrics.RecordIngestError(failureReason(err))
			return model.Event{}, err
		}
	}

	if m.journal != nil {
		if err := m.journal.AppendEvent(ctx, ev); err != nil {
			m.metrics.RecordIngestError("journal")
			return model.Event{}, fmt.Errorf("journal event %s: %w", ev.ID, err)
		}
		if ev.Canonical {
			if err := m.journal.PutArtifact(ctx, art); err != nil {
				m.metrics.RecordIngestError("journal")
				return model.Event{}, fmt.Errorf("journal artifact %s: %w", art.ID, err)
			}
		}
	}

	if err := m.episodic.Ingest(ctx, ev); err != nil {
		m.metrics.RecordIngestError(failureReason(err))
		return model.Event{}, err
	}
	m.metrics.RecordIngest(string(ev.Category))

	if ev.Canonical {
		if err := m.semantic.Put(ctx, art); err != nil {
			m.metrics.RecordIngestError(failureReason(err))
			return model.Event{}, err
		}
		m.metrics.RecordIndexed(1)
	}

	m.logger.Debug("event ingested",
		zap.String("id", ev.ID),
		zap.String("category", string(ev.Category)),
		zap.String("session_id", ev.SessionID),
		zap.Bool("canonical", ev.Canonical))
	return ev, nil
}

func (m *Memory) checkUnique(ctx context.Context, ev model.Event) error {
	dup := m.episodic.Has(ev.ID)
	if !dup && ev.Canonical {
		_, dup = m.semantic.Get(ev.ID)
	}
	if !dup && m.journal != nil {
		found, err := m.journal.HasEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		dup = found
	}
	if dup {
		return &validate.Error{Field: "id", Reason: "duplicate"}
	}
	return nil
}

// Index adds a canonical artifact to the semantic store. Text longer than the
// configured chunk size is split into artifacts <id>#1, <id>#2, ... sharing the
// same tags. A caller-supplied embedding describes the whole text, so such
// artifacts are never split. An empty id is assigned.
//
// Every chunk is prepared before any is stored, so a failure stores nothing.
func (m *Memory) Index(ctx context.Context, raw model.RawArtifact) ([]model.Artifact, error) {
	if raw.ID == "" {
		raw.ID = m.validator.NextID()
	}

	parts := []model.RawArtifact{raw}
	if m.splitter != nil && len(raw.Embedding) == 0 {
		chunks, err := m.splitter.Split(raw.Text)
		if err != nil {
			m.metrics.RecordIngestError(failureReason(err))
			return nil, err
		}
		if len(chunks) > 1 {
			parts = make([]model.RawArtifact, len(chunks))
			for i, text := range chunks {
				part := raw
				part.ID = fmt.Sprintf("%s#%d", raw.ID, i+1)
				part.Text = text
				parts[i] = part
			}
		}
	}

	arts := make([]model.Artifact, 0, len(parts))
	for _, p := range parts {
		a, err := m.semantic.Prepare(ctx, p)
		if err != nil {
			m.metrics.RecordIngestError(failureReason(err))
			return nil, err
		}
		arts = append(arts, a)
	}

	if m.journal != nil {
		for _, a := range arts {
			if err := m.journal.PutArtifact(ctx, a); err != nil {
				m.metrics.RecordIngestError("journal")
				return nil, fmt.Errorf("journal artifact %s: %w", a.ID, err)
			}
		}
	}
	for _, a := range arts {
		if err := m.semantic.Put(ctx, a); err != nil {
			m.metrics.RecordIngestError(failureReason(err))
			return nil, err
		}
	}
	m.metrics.RecordIndexed(len(arts))
	m.logger.Debug("artifact indexed", zap.String("id", raw.ID), zap.Int("chunks", len(arts)))
	return arts, nil
}

// Retrieve assembles a bounded context for req from both stores. Every call,
// failed or not, is recorded by the tracer; a trace write failure never
// reaches the caller.
func (m *Memory) Retrieve(ctx context.Context, req model.Request) (model.Result, error) {
	p := m.resolve(req)

	ctx, span := m.otel.Start(ctx, "memory.Retrieve",
		oteltrace.WithAttributes(
			attribute.Int("memory.k_epi", p.KEpi),
			attribute.Int("memory.k_sem", p.KSem),
			attribute.Int("memory.token_budget", p.TokenBudget),
			attribute.Bool("memory.rerank", p.Rerank),
		),
	)
	defer span.End()

	ts := m.tracer.Start(trace.DefaultSpan, model.TraceRequest{
		QueryText:      p.QueryText,
		KEpi:           p.KEpi,
		KSem:           p.KSem,
		TokenBudget:    p.TokenBudget,
		Rerank:         p.Rerank,
		EpisodicFilter: p.EpisodicFilter,
		SemanticFilter: p.SemanticFilter,
	})
	start := m.now()

	res, err := m.retrieve(ctx, p)

	epi, sem := res.IDs()
	m.metrics.RecordRetrieval(m.now().Sub(start), len(epi), len(sem), res.TotalTokens, res.Truncated, err)
	rec := ts.End(ctx, res, err)
	span.SetAttributes(attribute.String("memory.trace_id", rec.ID))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("retrieval failed", zap.String("trace_id", rec.ID), zap.Error(err))
		return model.Result{}, err
	}
	span.SetAttributes(
		attribute.Int("memory.items", len(res.Items)),
		attribute.Int("memory.total_tokens", res.TotalTokens),
		attribute.Bool("memory.truncated", res.Truncated),
	)
	return res, nil
}

func (m *Memory) retrieve(ctx context.Context, p retrieval.Params) (model.Result, error) {
	if err := p.EpisodicFilter.Validate(); err != nil {
		return model.Result{}, &validate.Error{Field: "episodic_filters", Reason: err.Error()}
	}
	if err := p.SemanticFilter.Validate(); err != nil {
		return model.Result{}, &validate.Error{Field: "semantic_filters", Reason: err.Error()}
	}
	return m.retriever.Retrieve(ctx, p)
}

// resolve applies the configured defaults to the zero-valued fields of req.
func (m *Memory) resolve(req model.Request) retrieval.Params {
	p := retrieval.Params{
		QueryText:      req.QueryText,
		QueryEmbedding: req.QueryEmbedding,
		KEpi:           resolveK(req.KEpi, m.cfg.KEpi),
		KSem:           resolveK(req.KSem, m.cfg.KSem),
		EpisodicFilter: req.EpisodicFilter,
		SemanticFilter: req.SemanticFilter,
		TokenBudget:    req.TokenBudget,
		Rerank:         m.cfg.RerankerEnabled,
		AllowPII:       req.AllowPII || m.cfg.Semantic.AllowPII,
		Now:            m.now(),
	}
	if p.EpisodicFilter == nil {
		p.EpisodicFilter = m.cfg.EpisodicFilters
	}
	if p.SemanticFilter == nil {
		p.SemanticFilter = m.cfg.SemanticFilters
	}
	if p.TokenBudget <= 0 {
		p.TokenBudget = m.cfg.TokenBudget
	}
	if req.Rerank != nil {
		p.Rerank = *req.Rerank
	}
	return p
}

func resolveK(requested, fallback int) int {
	switch {
	case requested < 0:
		return 0
	case requested == 0:
		return fallback
	}
	return requested
}

// EvictExpired removes expired records from the episodic store and the
// journal, and returns how many in-memory records were removed.
func (m *Memory) EvictExpired(ctx context.Context) int {
	now := m.now()
	n := m.episodic.EvictExpired(now)
	if m.journal != nil {
		purged, err := m.journal.PurgeExpiredEvents(ctx, now)
		if err != nil {
			m.logger.Warn("journal purge failed", zap.Error(err))
		} else if purged > 0 {
			m.logger.Debug("journal purged", zap.Int64("events", purged))
		}
	}
	return n
}

// Restore replays the journal into the in-memory stores. Expired events are
// skipped. Restore is meant to run once, before the first Ingest.
func (m *Memory) Restore(ctx context.Context) error {
	if m.journal == nil {
		return nil
	}
	events, err := m.journal.Events(ctx, m.now())
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	for _, ev := range events {
		if err := m.episodic.Ingest(ctx, ev); err != nil {
			return fmt.Errorf("restore event %s: %w", ev.ID, err)
		}
		m.validator.Observe(ev.Timestamp)
	}

	arts, err := m.journal.Artifacts(ctx)
	if err != nil {
		return fmt.Errorf("load artifacts: %w", err)
	}
	skipped := 0
	for _, a := range arts {
		if err := m.semantic.Put(ctx, a); err != nil {
			if errors.Is(err, semantic.ErrDimensionMismatch) {
				skipped++
				continue
			}
			return fmt.Errorf("restore artifact %s: %w", a.ID, err)
		}
	}

	m.logger.Info("memory restored",
		zap.Int("events", len(events)),
		zap.Int("artifacts", len(arts)-skipped),
		zap.Int("skipped_artifacts", skipped))
	return nil
}

// Stats is a snapshot of engine occupancy.
type Stats struct {
	Episodic     episodic.Stats   `json:"episodic"`
	Artifacts    int              `json:"artifacts"`
	PIIArtifacts int              `json:"pii_artifacts"`
	Dimension    int              `json:"dimension"`
	Categories   []model.Category `json:"categories"`
}

// Stats reports what the stores currently hold.
func (m *Memory) Stats() Stats {
	reg, _ := m.cfg.Registry()
	return Stats{
		Episodic:     m.episodic.Stats(),
		Artifacts:    m.semantic.Len(),
		PIIArtifacts: m.semantic.PIICount(),
		Dimension:    m.semantic.Dimension(),
		Categories:   reg.Categories(),
	}
}

// Traces reads back the most recent limit trace records when the sink
// supports it. limit <= 0 returns all of them.
func (m *Memory) Traces(ctx context.Context, limit int) ([]model.TraceRecord, error) {
	r, ok := m.sink.(trace.Reader)
	if !ok {
		return nil, fmt.Errorf("trace sink %T cannot be read back", m.sink)
	}
	return r.Traces(ctx, limit)
}

// Close drains the tracer, closes the sink and releases anything Open created.
// It is safe to call more than once.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		errs := []error{m.tracer.Close()}
		for i := len(m.closers) - 1; i >= 0; i-- {
			errs = append(errs, m.closers[i].Close())
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, validate.ErrValidation):
		return "validation"
	case errors.Is(err, semantic.ErrDimensionMismatch):
		return "dimension"
	case errors.Is(err, semantic.ErrInvalidArtifact):
		return "invalid_artifact"
	case errors.Is(err, semantic.ErrNoEmbedder):
		return "no_embedder"
	case errors.Is(err, embedding.ErrEmbedding):
		return "embedding"
	case errors.Is(err, tokenizer.ErrTokenizer):
		return "tokenizer"
	}
	return "internal"
}
