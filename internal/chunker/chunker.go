// Package chunker splits long canonical documents into token-bounded pieces
// for the semantic store.
package chunker

import (
	"fmt"
	"strings"

	"github.com/rcliao/hybrid-memory/internal/tokenizer"
)

// DefaultMaxTokens bounds a chunk when no limit is configured.
const DefaultMaxTokens = 256

// Splitter cuts text on headings and blank lines, packs neighbouring blocks up
// to MaxTokens and breaks oversized blocks by line, then by word.
type Splitter struct {
	MaxTokens int
	Counter   tokenizer.Counter
}

// New creates a splitter. A nil counter uses the estimator.
func New(maxTokens int, counter tokenizer.Counter) *Splitter {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if counter == nil {
		counter = tokenizer.NewEstimator()
	}
	return &Splitter{MaxTokens: maxTokens, Counter: counter}
}

// Split returns the chunks of text in document order. Text that already fits
// comes back as a single chunk; blank text yields none.
func (s *Splitter) Split(text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	n, err := s.count(text)
	if err != nil {
		return nil, err
	}
	if n <= s.MaxTokens {
		return []string{text}, nil
	}
	return s.pack(splitBlocks(text), "\n\n", s.splitBlock)
}

// splitBlocks splits text on heading lines and blank lines.
func splitBlocks(text string) []string {
	var blocks []string
	var current []string
	flush := func() {
		if t := strings.TrimSpace(strings.Join(current, "\n")); t != "" {
			blocks = append(blocks, t)
		}
		current = nil
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flush()
			continue
		case strings.HasPrefix(trimmed, "#"):
			flush()
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

// pack greedily joins parts with sep while the result stays within MaxTokens.
// A part that is too large on its own is handed to split.
func (s *Splitter) pack(parts []string, sep string, split func(string) ([]string, error)) ([]string, error) {
	var out []string
	accum := ""
	for _, p := range parts {
		n, err := s.count(p)
		if err != nil {
			return nil, err
		}
		if n > s.MaxTokens {
			if accum != "" {
				out = append(out, accum)
				accum = ""
			}
			pieces, err := split(p)
			if err != nil {
				return nil, err
			}
			out = append(out, pieces...)
			continue
		}
		if accum == "" {
			accum = p
			continue
		}
		combined := accum + sep + p
		n, err = s.count(combined)
		if err != nil {
			return nil, err
		}
		if n <= s.MaxTokens {
			accum = combined
			continue
		}
		out = append(out, accum)
		accum = p
	}
	if accum != "" {
		out = append(out, accum)
	}
	return out, nil
}

func (s *Splitter) splitBlock(block string) ([]string, error) {
	lines := strings.Split(block, "\n")
	if len(lines) == 1 {
		return s.splitLine(block)
	}
	return s.pack(lines, "\n", s.splitLine)
}

// splitLine breaks a single line on whitespace. A lone word larger than the
// limit is kept whole.
func (s *Splitter) splitLine(line string) ([]string, error) {
	return s.pack(strings.Fields(line), " ", func(word string) ([]string, error) {
		return []string{word}, nil
	})
}

func (s *Splitter) count(text string) (int, error) {
	n, err := s.Counter.Count(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", tokenizer.ErrTokenizer, err)
	}
	return n, nil
}
