package fingerprint

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	urlPattern     = regexp.MustCompile(`(?i)(https?://|www\.)\S+`)
	mentionPattern = regexp.MustCompile(`@[\p{L}\p{N}_]+`)
)

// splitWords lowercases text, removes URLs and mentions, and splits on
// anything that is not a letter or digit. Combining marks (Arabic harakat)
// are dropped without splitting so vocalised and bare spellings agree.
func splitWords(text string) []string {
	text = urlPattern.ReplaceAllString(text, " ")
	text = mentionPattern.ReplaceAllString(text, " ")
	text = strings.ToLower(text)

	var words []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			words = append(words, b.String())
			b.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Mn, r):
		case r == 'ـ':
			// tatweel is decorative elongation
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return words
}

// Tokens returns the retained tokens of text in order: words of at least two
// runes that are neither numbers nor stop words.
func (e *Extractor) Tokens(text string) []string {
	words := splitWords(text)
	tokens := words[:0]
	for _, w := range words {
		if len([]rune(w)) < 2 || isNumber(w) || e.stop[w] {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

func isNumber(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
