// Package fingerprint turns post text into a ranked set of salient keywords
// and bigrams, and scores other posts against that set.
package fingerprint

import (
	"errors"
	"math"
	"sort"
	"strings"
)

// ErrEmptyText is returned when a text has no extractable tokens left after
// cleaning. Callers fall back to volume-only narrowing.
var ErrEmptyText = errors.New("no extractable tokens in text")

const (
	DefaultTopK       = 8
	DefaultTopBigrams = 5

	// idfFloor keeps terms that appear in nearly every background document
	// from scoring zero or negative.
	idfFloor = 0.25

	bigramBonus = 0.25
)

// Fingerprint is the ranked keyword summary of a text. Keywords are ordered
// most salient first.
type Fingerprint struct {
	Keywords []string `json:"keywords"`
	Bigrams  []string `json:"bigrams"`
}

// Empty reports whether the fingerprint carries no keywords.
func (f Fingerprint) Empty() bool { return len(f.Keywords) == 0 }

// Extractor holds the static resources used for extraction: the stop list and
// optional background document frequencies. It is immutable after New and
// safe for concurrent use.
type Extractor struct {
	topK       int
	topBigrams int
	stop       map[string]bool
	df         map[string]int
	docs       int
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithTopK sets the maximum number of keywords returned.
func WithTopK(k int) Option {
	return func(e *Extractor) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithTopBigrams sets the maximum number of bigrams returned.
func WithTopBigrams(m int) Option {
	return func(e *Extractor) {
		if m >= 0 {
			e.topBigrams = m
		}
	}
}

// WithStopWords adds words to the built-in Arabic and English stop list.
func WithStopWords(words ...string) Option {
	return func(e *Extractor) {
		for _, w := range words {
			for _, part := range splitWords(w) {
				e.stop[part] = true
			}
		}
	}
}

// WithBackground computes document frequencies over texts so that terms
// common across the corpus score lower than distinctive ones.
func WithBackground(texts []string) Option {
	return func(e *Extractor) {
		e.df = make(map[string]int)
		e.docs = len(texts)
		for _, text := range texts {
			seen := make(map[string]bool)
			for _, tok := range e.Tokens(text) {
				if !seen[tok] {
					seen[tok] = true
					e.df[tok]++
				}
			}
		}
	}
}

// New creates an Extractor. WithBackground must come after WithStopWords so
// the background is tokenized with the final stop list.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		topK:       DefaultTopK,
		topBigrams: DefaultTopBigrams,
		stop:       defaultStopWords(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fit returns a copy of e whose IDF is computed over texts. e itself is not
// modified.
func (e *Extractor) Fit(texts []string) *Extractor {
	c := *e
	WithBackground(texts)(&c)
	return &c
}

// idf is the BM25 inverse document frequency of term over the background
// corpus, or 1 when there is none.
func (e *Extractor) idf(term string) float64 {
	if e.docs == 0 {
		return 1
	}
	n := float64(e.docs)
	df := float64(e.df[term])
	idf := math.Log(1 + (n-df+0.5)/(df+0.5))
	if idf < idfFloor {
		return idfFloor
	}
	return idf
}

type termStat struct {
	term  string
	count int
	first int
	score float64
}

// rank orders stats by score descending, then first occurrence.
func rank(stats map[string]*termStat, limit int) []string {
	ordered := make([]*termStat, 0, len(stats))
	for _, s := range stats {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].first < ordered[j].first
	})
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	out := make([]string, len(ordered))
	for i, s := range ordered {
		out[i] = s.term
	}
	return out
}

// Extract builds the fingerprint of a single text. Keywords are ranked by
// term frequency times background IDF; bigrams are adjacent retained tokens
// containing at least one keyword, ranked by frequency.
func (e *Extractor) Extract(text string) (Fingerprint, error) {
	tokens := e.Tokens(text)
	if len(tokens) == 0 {
		return Fingerprint{}, ErrEmptyText
	}

	stats := make(map[string]*termStat)
	for i, tok := range tokens {
		s, ok := stats[tok]
		if !ok {
			s = &termStat{term: tok, first: i}
			stats[tok] = s
		}
		s.count++
	}
	for _, s := range stats {
		s.score = float64(s.count) * e.idf(s.term)
	}

	fp := Fingerprint{Keywords: rank(stats, e.topK)}
	fp.Bigrams = e.bigrams([][]string{tokens}, fp.Keywords)
	return fp, nil
}

// ExtractCorpus builds a fingerprint from many texts at once: the terms the
// crowd repeats most. Ranking is by raw frequency across all texts, and
// bigrams never span two texts.
func (e *Extractor) ExtractCorpus(texts []string) (Fingerprint, error) {
	stats := make(map[string]*termStat)
	docs := make([][]string, 0, len(texts))
	pos := 0
	for _, text := range texts {
		tokens := e.Tokens(text)
		if len(tokens) == 0 {
			continue
		}
		docs = append(docs, tokens)
		for _, tok := range tokens {
			s, ok := stats[tok]
			if !ok {
				s = &termStat{term: tok, first: pos}
				stats[tok] = s
			}
			s.count++
			pos++
		}
	}
	if len(stats) == 0 {
		return Fingerprint{}, ErrEmptyText
	}
	for _, s := range stats {
		s.score = float64(s.count)
	}

	fp := Fingerprint{Keywords: rank(stats, e.topK)}
	fp.Bigrams = e.bigrams(docs, fp.Keywords)
	return fp, nil
}

func (e *Extractor) bigrams(docs [][]string, keywords []string) []string {
	if e.topBigrams == 0 {
		return nil
	}
	isKeyword := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		isKeyword[k] = true
	}

	stats := make(map[string]*termStat)
	pos := 0
	for _, tokens := range docs {
		for i := 0; i+1 < len(tokens); i++ {
			a, b := tokens[i], tokens[i+1]
			if !isKeyword[a] && !isKeyword[b] {
				continue
			}
			pair := a + " " + b
			s, ok := stats[pair]
			if !ok {
				s = &termStat{term: pair, first: pos}
				stats[pair] = s
			}
			s.count++
			s.score = float64(s.count)
			pos++
		}
	}
	if len(stats) == 0 {
		return nil
	}
	return rank(stats, e.topBigrams)
}

// Overlap scores text against fp in [0,1]: the share of fingerprint keywords
// found among the text's tokens, plus a small bonus for matching bigrams.
// An empty fingerprint overlaps everything with score 1.
func (e *Extractor) Overlap(fp Fingerprint, text string) float64 {
	if fp.Empty() {
		return 1
	}
	tokens := e.Tokens(text)
	if len(tokens) == 0 {
		return 0
	}
	present := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		present[tok] = true
	}

	hits := 0
	for _, k := range fp.Keywords {
		if present[k] {
			hits++
		}
	}
	score := float64(hits) / float64(len(fp.Keywords))

	if len(fp.Bigrams) > 0 {
		pairs := make(map[string]bool, len(tokens))
		for i := 0; i+1 < len(tokens); i++ {
			pairs[tokens[i]+" "+tokens[i+1]] = true
		}
		matched := 0
		for _, bg := range fp.Bigrams {
			if pairs[bg] {
				matched++
			}
		}
		score += bigramBonus * float64(matched) / float64(len(fp.Bigrams))
	}
	return math.Min(score, 1)
}

// String renders the fingerprint for log lines.
func (f Fingerprint) String() string {
	if f.Empty() {
		return "(empty)"
	}
	s := strings.Join(f.Keywords, ", ")
	if len(f.Bigrams) > 0 {
		s += " | " + strings.Join(f.Bigrams, ", ")
	}
	return s
}
