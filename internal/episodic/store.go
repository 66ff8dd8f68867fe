// Package episodic holds the bounded, recency-ordered log of recent events.
package episodic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/hybrid-memory/internal/model"
)

// DefaultWindowSize is the per-scope cap when none is configured.
const DefaultWindowSize = 2000

// ErrDuplicateID is returned when an event id is already held by the store.
var ErrDuplicateID = errors.New("duplicate event id")

// Eviction reasons reported to OnEvict.
const (
	ReasonTTL      = "ttl"
	ReasonWindow   = "window"
	ReasonCategory = "category_window"
)

// Options configures a Store.
type Options struct {
	// WindowSize caps the number of non-expired records per scope.
	WindowSize int
	// CategoryWindows caps records of one category within a scope.
	CategoryWindows map[model.Category]int
	// PerSession scopes windows by session id. When false all events share one scope.
	PerSession bool
	// Now is the clock used for eviction on ingest; defaults to time.Now.
	Now func() time.Time
	// OnEvict is called with the reason and count after every eviction pass that removed records.
	OnEvict func(reason string, n int)
}

// Query selects records.
type Query struct {
	K      int
	Filter model.Filter
	// Now is the reference time for expiry; zero means the store clock.
	Now time.Time
}

type entry struct {
	rec model.EpisodicRecord
	seq uint64
}

type scope struct {
	entries []entry // arrival order
}

// Store is an in-memory episodic store. All operations, including lazy
// eviction, run under one mutex so the window bound is never raced.
type Store struct {
	mu     sync.RWMutex
	opts   Options
	scopes map[string]*scope
	ids    map[string]struct{}
	seq    uint64
	logger *zap.Logger
}

// New creates an episodic store.
func New(opts Options, logger *zap.Logger) *Store {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		opts:   opts,
		scopes: make(map[string]*scope),
		ids:    make(map[string]struct{}),
		logger: logger.With(zap.String("component", "episodic_store")),
	}
}

func (s *Store) scopeKey(ev model.Event) string {
	if s.opts.PerSession {
		return ev.SessionID
	}
	return ""
}

// Ingest appends the event to its scope and enforces the scope's bounds.
func (s *Store) Ingest(ctx context.Context, ev model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.ID == "" {
		return fmt.Errorf("event id is required")
	}
	ev.Tags = model.CloneTags(ev.Tags)
	ev.Payload.Fields = model.CloneTags(ev.Payload.Fields)
	rec := model.NewEpisodicRecord(ev)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[ev.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, ev.ID)
	}
	key := s.scopeKey(ev)
	sc, ok := s.scopes[key]
	if !ok {
		sc = &scope{}
		s.scopes[key] = sc
	}
	s.seq++
	sc.entries = append(sc.entries, entry{rec: rec, seq: s.seq})
	s.ids[ev.ID] = struct{}{}

	now := s.opts.Now()
	s.report(ReasonTTL, sc.evictExpired(now, s.ids))
	if limit, ok := s.opts.CategoryWindows[ev.Category]; ok && limit > 0 {
		s.report(ReasonCategory, sc.evictCategory(ev.Category, limit, s.ids))
	}
	s.report(ReasonWindow, sc.evictOverflow(s.opts.WindowSize, s.ids))
	if len(sc.entries) == 0 {
		delete(s.scopes, key)
	}

	s.logger.Debug("episodic event ingested",
		zap.String("id", ev.ID),
		zap.String("scope", key),
		zap.String("category", string(ev.Category)),
		zap.Int("scope_len", len(sc.entries)))
	return nil
}

// EvictExpired removes every record with expires_at <= now and returns how many
// were removed. Calling it again with the same now removes nothing.
func (s *Store) EvictExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictExpiredLocked(now)
}

func (s *Store) evictExpiredLocked(now time.Time) int {
	total := 0
	for key, sc := range s.scopes {
		total += sc.evictExpired(now, s.ids)
		if len(sc.entries) == 0 {
			delete(s.scopes, key)
		}
	}
	s.report(ReasonTTL, total)
	return total
}

// Query returns at most q.K non-expired records matching q.Filter, most recent
// first. Equal timestamps are ordered by arrival, later first.
func (s *Store) Query(ctx context.Context, q Query) ([]model.EpisodicRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.K <= 0 {
		return []model.EpisodicRecord{}, nil
	}
	now := q.Now
	if now.IsZero() {
		now = s.opts.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked(now)

	var matches []entry
	for _, sc := range s.scopes {
		for _, e := range sc.entries {
			if q.Filter.Match(e.rec.Event) {
				matches = append(matches, e)
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		ti, tj := matches[i].rec.Timestamp, matches[j].rec.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return matches[i].seq > matches[j].seq
	})
	if len(matches) > q.K {
		matches = matches[:q.K]
	}

	out := make([]model.EpisodicRecord, len(matches))
	for i, e := range matches {
		out[i] = e.rec
	}
	s.logger.Debug("episodic query",
		zap.Int("k", q.K),
		zap.Int("returned", len(out)))
	return out, nil
}

// Stats is a snapshot of store occupancy.
type Stats struct {
	Records int            `json:"records"`
	Scopes  map[string]int `json:"scopes"`
}

// Stats returns the record count per scope.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Scopes: make(map[string]int, len(s.scopes))}
	for key, sc := range s.scopes {
		st.Scopes[key] = len(sc.entries)
		st.Records += len(sc.entries)
	}
	return st
}

// Has reports whether a record with id is currently held, expired or not.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of stored records, expired or not.
func (s *Store) Len() int {
	return s.Stats().Records
}

func (s *Store) report(reason string, n int) {
	if n == 0 {
		return
	}
	s.logger.Debug("episodic records evicted", zap.String("reason", reason), zap.Int("count", n))
	if s.opts.OnEvict != nil {
		s.opts.OnEvict(reason, n)
	}
}

func (sc *scope) evictExpired(now time.Time, ids map[string]struct{}) int {
	kept := sc.entries[:0]
	removed := 0
	for _, e := range sc.entries {
		if e.rec.Expired(now) {
			delete(ids, e.rec.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clearTail(sc.entries, len(kept))
	sc.entries = kept
	return removed
}

// evictCategory drops the oldest records of cat until at most limit remain.
func (sc *scope) evictCategory(cat model.Category, limit int, ids map[string]struct{}) int {
	count := 0
	for _, e := range sc.entries {
		if e.rec.Category == cat {
			count++
		}
	}
	excess := count - limit
	if excess <= 0 {
		return 0
	}
	kept := sc.entries[:0]
	removed := 0
	for _, e := range sc.entries {
		if removed < excess && e.rec.Category == cat {
			delete(ids, e.rec.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clearTail(sc.entries, len(kept))
	sc.entries = kept
	return removed
}

// evictOverflow drops the oldest records until at most limit remain.
func (sc *scope) evictOverflow(limit int, ids map[string]struct{}) int {
	excess := len(sc.entries) - limit
	if excess <= 0 {
		return 0
	}
	for _, e := range sc.entries[:excess] {
		delete(ids, e.rec.ID)
	}
	clear(sc.entries[:excess])
	sc.entries = sc.entries[excess:]
	return excess
}

// clearTail zeroes the entries past n so evicted records can be collected.
func clearTail(entries []entry, n int) {
	clear(entries[n:])
}
