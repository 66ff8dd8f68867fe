package tokenizer

import (
	"unicode"
	"unicode/utf8"
)

// Estimator approximates token counts from character classes: CJK runes
// average about 1.5 per token, everything else about 4.
type Estimator struct{}

// NewEstimator creates an estimator.
func NewEstimator() *Estimator { return &Estimator{} }

func (Estimator) Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
