package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// DefaultHashDims is the vector size of the hash embedder.
const DefaultHashDims = 256

// HashEmbedder is a deterministic bag-of-words embedder. Each lowercased term
// is hashed into a signed bucket, so texts sharing vocabulary land close together.
// It needs no model and is the default for local use and tests.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder. dims <= 0 uses DefaultHashDims.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDims
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make(Vector, h.dims)
	for _, term := range Terms(text) {
		f := fnv.New64a()
		f.Write([]byte(term))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dims))
		if sum>>63 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	return Normalize(vec), nil
}

func (h *HashEmbedder) Dims() int { return h.dims }

// Terms splits text into lowercased alphanumeric terms.
func Terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
