// Package search narrows a time window toward the earliest post matching a
// fingerprint, halving the window on every iteration.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TobiSchelling/sourcetrace/internal/corpus"
	"github.com/TobiSchelling/sourcetrace/internal/fingerprint"
	"github.com/TobiSchelling/sourcetrace/internal/volume"
)

var (
	// ErrNoMatch means no post could be attributed. The concrete error is a
	// *NoMatchError carrying the reason.
	ErrNoMatch = errors.New("no matching post")
	// ErrNonConvergence is reported through Result.Warning when the iteration
	// cap stops the loop before the window reaches the resolution floor.
	ErrNonConvergence = errors.New("iteration cap reached before resolution")
)

const (
	ReasonNoCorpusMatch = "no_corpus_match"
	ReasonNoWindowMatch = "no_window_match"
)

const (
	DefaultResolution    = 0.1
	DefaultMaxIterations = 20
	DefaultThreshold     = 0.2
	DefaultBalanceRatio  = 0.9
)

// NoMatchError is returned when the search ends without a candidate.
type NoMatchError struct {
	Reason string
}

func (e *NoMatchError) Error() string { return "no matching post: " + e.Reason }

func (e *NoMatchError) Is(target error) bool { return target == ErrNoMatch }

// Reason extracts the failure reason from a search error, or "" if err is
// not a NoMatchError.
func Reason(err error) string {
	var nm *NoMatchError
	if errors.As(err, &nm) {
		return nm.Reason
	}
	return ""
}

// Window is a closed interval of reference hours.
type Window struct {
	LowHour  float64 `json:"low_hour"`
	HighHour float64 `json:"high_hour"`
}

func (w Window) Width() float64 { return w.HighHour - w.LowHour }

// Contains reports whether hour lies in [LowHour, HighHour].
func (w Window) Contains(hour float64) bool {
	return hour >= w.LowHour && hour <= w.HighHour
}

// Within reports whether w is a subset of outer.
func (w Window) Within(outer Window) bool {
	return w.LowHour >= outer.LowHour && w.HighHour <= outer.HighHour
}

type Decision string

const (
	Left  Decision = "left"
	Right Decision = "right"
)

// Progress describes one narrowing step. LowHour and HighHour are the window
// after the step; WindowMinutes is the width before it.
type Progress struct {
	Iteration     int      `json:"iteration"`
	LowHour       float64  `json:"low_hour"`
	MidHour       float64  `json:"mid_hour"`
	HighHour      float64  `json:"high_hour"`
	Count         int      `json:"count"`
	Decision      Decision `json:"decision"`
	WindowMinutes int      `json:"window_minutes"`
}

// Window returns the window after this step.
func (p Progress) Window() Window { return Window{LowHour: p.LowHour, HighHour: p.HighHour} }

// Scorer rates how well text matches a fingerprint, in [0,1].
type Scorer interface {
	Overlap(fp fingerprint.Fingerprint, text string) float64
}

// Result is the outcome of a search. Source is nil when nothing was found.
type Result struct {
	Window        Window
	Iterations    int
	Matches       int
	Source        *corpus.Post
	LowConfidence bool
	Warning       error
	Path          []Progress
}

// Searcher runs the narrowing loop. A Searcher holds only configuration and
// may be shared between goroutines.
type Searcher struct {
	scorer Scorer

	// Resolution is the window width, in hours, at which narrowing stops.
	Resolution float64
	// MaxIterations caps the loop regardless of width.
	MaxIterations int
	// Threshold is the overlap a post must exceed to count as a match.
	Threshold float64
	// BalanceRatio is the min/max ratio of left and right match counts at or
	// above which both halves are considered balanced and matching density
	// decides the direction. Values above 1 disable the tie-break.
	BalanceRatio float64
	// StepDelay paces iterations for live observers.
	StepDelay time.Duration
}

// New creates a Searcher with default tuning.
func New(scorer Scorer) *Searcher {
	return &Searcher{
		scorer:        scorer,
		Resolution:    DefaultResolution,
		MaxIterations: DefaultMaxIterations,
		Threshold:     DefaultThreshold,
		BalanceRatio:  DefaultBalanceRatio,
	}
}

type match struct {
	post corpus.Post
	hour float64
}

// Matches returns the posts whose overlap with fp exceeds the threshold.
func (s *Searcher) Matches(fp fingerprint.Fingerprint, posts []corpus.Post) []corpus.Post {
	var out []corpus.Post
	for _, p := range posts {
		if s.scorer.Overlap(fp, p.Text) > s.Threshold {
			out = append(out, p)
		}
	}
	return out
}

// Search narrows [0, series.Span] toward the earliest post matching fp.
// onProgress, if non-nil, is called synchronously after every iteration.
// ctx is checked before each iteration and during the step delay; on
// cancellation the partial result is returned with ctx.Err().
func (s *Searcher) Search(ctx context.Context, fp fingerprint.Fingerprint, series volume.Series, posts []corpus.Post, onProgress func(Progress)) (Result, error) {
	w := Window{LowHour: 0, HighHour: float64(series.Span)}
	res := Result{Window: w}

	var matches []match
	for _, p := range s.Matches(fp, posts) {
		matches = append(matches, match{post: p, hour: series.HourOf(p.CreatedAt)})
	}
	res.Matches = len(matches)
	if len(matches) == 0 {
		return res, &NoMatchError{Reason: ReasonNoCorpusMatch}
	}

	iterations := 0
	for w.Width() > s.Resolution && iterations < s.MaxIterations {
		if err := ctx.Err(); err != nil {
			res.Window, res.Iterations = w, iterations
			return res, err
		}

		mid := (w.LowHour + w.HighHour) / 2
		left, right := 0, 0
		for _, m := range matches {
			switch {
			case m.hour >= w.LowHour && m.hour < mid:
				left++
			case m.hour >= mid && m.hour <= w.HighHour:
				right++
			}
		}

		decision := Right
		if left > 0 {
			decision = Left
			if right > 0 && s.balanced(left, right) {
				dl := density(left, series.Sum(w.LowHour, mid))
				dr := density(right, series.Sum(mid, w.HighHour))
				if dr > dl {
					decision = Right
				}
			}
		}

		widthMinutes := int(w.Width() * 60)
		if decision == Left {
			w.HighHour = mid
		} else {
			w.LowHour = mid
		}
		iterations++

		p := Progress{
			Iteration:     iterations,
			LowHour:       w.LowHour,
			MidHour:       mid,
			HighHour:      w.HighHour,
			Count:         left,
			Decision:      decision,
			WindowMinutes: widthMinutes,
		}
		res.Path = append(res.Path, p)
		if onProgress != nil {
			onProgress(p)
		}

		if s.StepDelay > 0 {
			if err := sleep(ctx, s.StepDelay); err != nil {
				res.Window, res.Iterations = w, iterations
				return res, err
			}
		}
	}

	res.Window, res.Iterations = w, iterations
	res.Source = earliest(matches, w)
	if res.Source == nil {
		return res, &NoMatchError{Reason: ReasonNoWindowMatch}
	}
	if w.Width() > s.Resolution {
		res.LowConfidence = true
		res.Warning = fmt.Errorf("%w: window %.3fh wide after %d iterations", ErrNonConvergence, w.Width(), iterations)
	}
	return res, nil
}

func (s *Searcher) balanced(left, right int) bool {
	lo, hi := left, right
	if lo > hi {
		lo, hi = hi, lo
	}
	return float64(lo)/float64(hi) >= s.BalanceRatio
}

// density is the share of posts in a half that match. Volume is prorated
// over partial hours, so it is floored at the match count.
func density(matches int, vol float64) float64 {
	if vol < float64(matches) {
		vol = float64(matches)
	}
	return float64(matches) / vol
}

// earliest picks the first match inside w. Timestamp ties go to the more
// reliable author, then to the lowest ID.
func earliest(matches []match, w Window) *corpus.Post {
	var best *match
	for i := range matches {
		m := &matches[i]
		if !w.Contains(m.hour) {
			continue
		}
		if best == nil || better(m.post, best.post) {
			best = m
		}
	}
	if best == nil {
		return nil
	}
	p := best.post
	return &p
}

func better(a, b corpus.Post) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Reliability() != b.Reliability() {
		return a.Reliability() > b.Reliability()
	}
	return corpus.LessID(a.ID, b.ID)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
