// Package trace records one append-only entry per retrieval call.
//
// Writing a trace never fails the caller: sink errors are wrapped in ErrWrite,
// logged, handed to Options.OnError and dropped.
package trace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rcliao/hybrid-memory/internal/model"
	"github.com/rcliao/hybrid-memory/internal/redact"
)

// ErrWrite marks a failed trace append.
var ErrWrite = errors.New("trace write failed")

// DefaultSpan names the span recorded around a retrieval.
const DefaultSpan = "retrieve"

// previewLen bounds the content preview in an output summary.
const previewLen = 80

// Sink is an append-only destination for trace records, one self-contained
// record per entry in call order.
type Sink interface {
	Append(ctx context.Context, rec model.TraceRecord) error
	Close() error
}

// Options configures a Tracer.
type Options struct {
	// RedactPII masks emails and phone numbers in the query text and output summary.
	RedactPII bool
	// Async hands records to a background writer. Records are dropped, and
	// reported, when the buffer is full.
	Async  bool
	Buffer int
	// Now is the clock for timestamps and latency; defaults to time.Now.
	Now func() time.Time
	// OnError observes every swallowed write failure.
	OnError func(error)
}

// Tracer serializes appends to its sink.
type Tracer struct {
	sink   Sink
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex // guards sink appends in synchronous mode
	queue  chan model.TraceRecord
	done   chan struct{}
	closed bool
	qmu    sync.RWMutex // guards queue sends against Close
}

// New creates a tracer. A nil sink discards every record.
func New(sink Sink, opts Options, logger *zap.Logger) *Tracer {
	if sink == nil {
		sink = Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Async && opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	t := &Tracer{
		sink:   sink,
		opts:   opts,
		logger: logger.With(zap.String("component", "tracer")),
	}
	if opts.Async {
		t.queue = make(chan model.TraceRecord, opts.Buffer)
		t.done = make(chan struct{})
		go t.run()
	}
	return t
}

// Span measures one traced call.
type Span struct {
	tracer *Tracer
	name   string
	start  time.Time
	req    model.TraceRequest
}

// Start opens a span for req. An empty name uses DefaultSpan.
func (t *Tracer) Start(name string, req model.TraceRequest) *Span {
	if name == "" {
		name = DefaultSpan
	}
	return &Span{tracer: t, name: name, start: t.opts.Now(), req: req}
}

// End closes the span, records it and returns the record that was written.
// callErr is the error the traced call returned, if any.
func (s *Span) End(ctx context.Context, res model.Result, callErr error) model.TraceRecord {
	t := s.tracer
	end := t.opts.Now()
	epi, sem := res.IDs()

	ctxLen := 0
	for _, it := range res.Items {
		ctxLen += len(it.Content)
	}
	summary := Summarize(res)
	req := s.req
	if t.opts.RedactPII {
		req.QueryText = redact.Scrub(req.QueryText)
		summary = redact.Scrub(summary)
	}

	rec := model.TraceRecord{
		ID:            uuid.NewString(),
		Span:          s.name,
		Timestamp:     s.start.UTC(),
		Request:       req,
		RetrievedIDs:  model.RetrievedIDs{Episodic: epi, Semantic: sem},
		OutputSummary: summary,
		LatencyMS:     float64(end.Sub(s.start).Microseconds()) / 1000,
		InputLen:      len(s.req.QueryText),
		CtxLen:        ctxLen,
		OutputLen:     len(summary),
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	t.Record(ctx, rec)
	return rec
}

// Record appends rec. It never returns an error and never blocks on a full
// async buffer.
func (t *Tracer) Record(ctx context.Context, rec model.TraceRecord) {
	ctx = context.WithoutCancel(ctx)
	if t.queue == nil {
		t.mu.Lock()
		err := t.sink.Append(ctx, rec)
		t.mu.Unlock()
		t.report(rec, err)
		return
	}

	t.qmu.RLock()
	defer t.qmu.RUnlock()
	if t.closed {
		t.report(rec, errors.New("tracer closed"))
		return
	}
	select {
	case t.queue <- rec:
	default:
		t.report(rec, errors.New("async buffer full"))
	}
}

func (t *Tracer) run() {
	defer close(t.done)
	for rec := range t.queue {
		t.report(rec, t.sink.Append(context.Background(), rec))
	}
}

func (t *Tracer) report(rec model.TraceRecord, err error) {
	if err == nil {
		return
	}
	err = fmt.Errorf("%w: %w", ErrWrite, err)
	t.logger.Warn("trace record dropped", zap.String("trace_id", rec.ID), zap.Error(err))
	if t.opts.OnError != nil {
		t.opts.OnError(err)
	}
}

// Close drains pending async records and closes the sink.
func (t *Tracer) Close() error {
	if t.queue != nil {
		t.qmu.Lock()
		if !t.closed {
			t.closed = true
			close(t.queue)
		}
		t.qmu.Unlock()
		<-t.done
	}
	return t.sink.Close()
}

// Summarize renders a one-line description of a result.
func Summarize(res model.Result) string {
	epi, sem := res.IDs()
	var b strings.Builder
	fmt.Fprintf(&b, "%d items (%d episodic, %d semantic), %d tokens", len(res.Items), len(epi), len(sem), res.TotalTokens)
	if res.Truncated {
		b.WriteString(", truncated")
	}
	if len(res.Items) > 0 {
		b.WriteString(": ")
		b.WriteString(preview(res.Items[0].Content))
	}
	return b.String()
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen]) + "..."
}

// Discard drops every record.
type Discard struct{}

func (Discard) Append(context.Context, model.TraceRecord) error { return nil }
func (Discard) Close() error                                     { return nil }
