// Package tokenizer counts tokens for budget enforcement.
package tokenizer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTokenizer wraps every counting failure. A retrieval whose costs cannot be
// computed fails as a whole.
var ErrTokenizer = errors.New("tokenizer failed")

// Counter returns the token cost of a text.
type Counter interface {
	Count(text string) (int, error)
}

// Func adapts a plain function to the Counter interface.
type Func func(text string) (int, error)

func (f Func) Count(text string) (int, error) { return f(text) }

// Kinds accepted by New.
const (
	KindEstimate = "estimate"
	KindTiktoken = "tiktoken"
)

// New returns the counter named by kind. encoding only applies to tiktoken.
func New(kind, encoding string) (Counter, error) {
	switch strings.ToLower(kind) {
	case "", KindEstimate:
		return NewEstimator(), nil
	case KindTiktoken:
		return NewTiktoken(encoding), nil
	}
	return nil, fmt.Errorf("unknown tokenizer %q", kind)
}
