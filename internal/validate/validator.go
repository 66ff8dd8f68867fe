// Package validate normalizes and type-checks inbound events before they reach a store.
package validate

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/hybrid-memory/internal/model"
)

// ErrValidation is matched by every error the validator returns.
var ErrValidation = errors.New("validation failed")

// Error describes why an event was rejected.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

func (e *Error) Unwrap() error { return ErrValidation }

// Options configures a Validator.
type Options struct {
	Registry *model.Registry
	// RequireSession rejects events without a session id.
	RequireSession bool
	// DefaultTTLDays is the global TTL fallback.
	DefaultTTLDays int
	// CategoryTTLDays overrides the global TTL per category.
	CategoryTTLDays map[model.Category]int
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Validator turns raw events into immutable, identified events.
type Validator struct {
	opts    Options
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    time.Time
}

// New creates a validator. A nil registry accepts only the built-in categories.
func New(opts Options) *Validator {
	if opts.Registry == nil {
		opts.Registry, _ = model.NewRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultTTLDays <= 0 {
		opts.DefaultTTLDays = 30
	}
	return &Validator{
		opts:    opts,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Validate checks raw and returns the event with identity, timestamp and TTL assigned.
func (v *Validator) Validate(raw model.RawEvent) (model.Event, error) {
	cat := model.Category(strings.ToLower(strings.TrimSpace(raw.Category)))
	if cat == "" {
		return model.Event{}, &Error{Field: "category", Reason: "missing"}
	}
	if !v.opts.Registry.Has(cat) {
		return model.Event{}, &Error{Field: "category", Reason: fmt.Sprintf("unknown category %q", raw.Category)}
	}
	session := strings.TrimSpace(raw.SessionID)
	if v.opts.RequireSession && session == "" {
		return model.Event{}, &Error{Field: "session_id", Reason: "required by store configuration"}
	}
	if strings.TrimSpace(raw.Payload.Text) == "" && len(raw.Payload.Fields) == 0 {
		return model.Event{}, &Error{Field: "payload", Reason: "empty"}
	}
	if raw.TTLDays != nil && *raw.TTLDays <= 0 {
		return model.Event{}, &Error{Field: "ttl_days", Reason: "must be positive"}
	}
	if raw.TTLDays != nil && *raw.TTLDays > model.MaxTTLDays {
		return model.Event{}, &Error{Field: "ttl_days", Reason: fmt.Sprintf("exceeds %d", model.MaxTTLDays)}
	}
	for k, val := range raw.Tags {
		if k == "" {
			return model.Event{}, &Error{Field: "tags", Reason: "empty tag key"}
		}
		if !isScalarOrList(val) {
			return model.Event{}, &Error{Field: "tags." + k, Reason: fmt.Sprintf("unsupported value type %T", val)}
		}
	}

	v.mu.Lock()
	ts := v.opts.Now()
	if ts.Before(v.last) {
		ts = v.last
	}
	v.last = ts
	id := raw.ID
	if id == "" {
		id = ulid.MustNew(ulid.Timestamp(ts), v.entropy).String()
	}
	v.mu.Unlock()

	return model.Event{
		ID:        id,
		Category:  cat,
		SessionID: session,
		Timestamp: ts,
		Payload: model.Payload{
			Text:   raw.Payload.Text,
			Fields: model.CloneTags(raw.Payload.Fields),
		},
		Tags:      model.CloneTags(raw.Tags),
		TTLDays:   v.ResolveTTL(cat, raw.TTLDays),
		Canonical: raw.Canonical,
	}, nil
}

// NextID returns a fresh identifier from the same monotonic source used for events.
func (v *Validator) NextID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ts := v.opts.Now()
	if ts.Before(v.last) {
		ts = v.last
	}
	return ulid.MustNew(ulid.Timestamp(ts), v.entropy).String()
}

// ResolveTTL applies the explicit → category default → global default precedence.
func (v *Validator) ResolveTTL(cat model.Category, explicit *int) int {
	if explicit != nil && *explicit > 0 {
		return *explicit
	}
	if d, ok := v.opts.CategoryTTLDays[cat]; ok && d > 0 {
		return d
	}
	return v.opts.DefaultTTLDays
}

// Observe advances the timestamp floor, so events restored from a journal are
// never followed by an earlier timestamp.
func (v *Validator) Observe(ts time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ts.After(v.last) {
		v.last = ts
	}
}

func isScalarOrList(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if !isScalar(reflect.ValueOf(rv.Index(i).Interface())) {
				return false
			}
		}
		return true
	}
	return isScalar(rv)
}

func isScalar(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
