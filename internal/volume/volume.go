// Package volume aggregates post counts into a gap-free hourly series.
package volume

import (
	"math"
	"time"

	"github.com/TobiSchelling/sourcetrace/internal/corpus"
)

const hoursPerDay = 24

// Bucket is the number of posts created during one hour of the series.
type Bucket struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// Series is an hourly histogram anchored at Reference. Hour h covers
// [Reference+h, Reference+h+1). Buckets holds one entry per hour in
// [0, Span), zero counts included.
type Series struct {
	Reference time.Time `json:"reference"`
	Span      int       `json:"span"`
	Buckets   []Bucket  `json:"data"`
}

// Aggregate counts posts per hour. The reference instant is midnight, in
// loc, of the day holding the earliest post; the span is the number of
// elapsed hours in the whole local days needed to cover the latest post, so
// a day on which clocks fall back has 25 buckets and one on which they
// spring forward has 23. An empty corpus yields a single zero-filled day
// anchored at the zero time.
func Aggregate(posts []corpus.Post, loc *time.Location) Series {
	if loc == nil {
		loc = time.UTC
	}
	if len(posts) == 0 {
		return newSeries(time.Time{}.In(loc), hoursPerDay)
	}

	first, last := posts[0].CreatedAt, posts[0].CreatedAt
	for _, p := range posts[1:] {
		if p.CreatedAt.Before(first) {
			first = p.CreatedAt
		}
		if p.CreatedAt.After(last) {
			last = p.CreatedAt
		}
	}

	f := first.In(loc)
	ref := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, loc)
	days := 1
	for !last.Before(ref.AddDate(0, 0, days)) {
		days++
	}

	span := int(math.Ceil(ref.AddDate(0, 0, days).Sub(ref).Hours()))
	s := newSeries(ref, span)
	for _, p := range posts {
		h := int(math.Floor(s.HourOf(p.CreatedAt)))
		if h >= 0 && h < s.Span {
			s.Buckets[h].Count++
		}
	}
	return s
}

func newSeries(ref time.Time, span int) Series {
	s := Series{Reference: ref, Span: span, Buckets: make([]Bucket, span)}
	for h := range s.Buckets {
		s.Buckets[h].Hour = h
	}
	return s
}

// HourOf converts t into fractional hours since the reference instant.
func (s Series) HourOf(t time.Time) float64 {
	return t.Sub(s.Reference).Hours()
}

// At converts fractional reference hours back into an instant.
func (s Series) At(hour float64) time.Time {
	return s.Reference.Add(time.Duration(hour * float64(time.Hour)))
}

// Sum totals the posts in [lo, hi). Buckets only partly inside the range
// contribute in proportion to the overlap, so the result is fractional.
func (s Series) Sum(lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	var total float64
	for _, b := range s.Buckets {
		start, end := float64(b.Hour), float64(b.Hour+1)
		overlap := math.Min(end, hi) - math.Max(start, lo)
		if overlap > 0 {
			total += float64(b.Count) * overlap
		}
	}
	return total
}

// Total is the number of posts in the series.
func (s Series) Total() int {
	n := 0
	for _, b := range s.Buckets {
		n += b.Count
	}
	return n
}
