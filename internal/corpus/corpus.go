package corpus

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Engagement holds the public interaction counters of a post.
type Engagement struct {
	Reply   int `json:"reply_count"`
	Retweet int `json:"retweet_count"`
	Like    int `json:"like_count"`
}

// Media is an attachment on a post.
type Media struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Author is the account a post was published by. ReliabilityScore is an
// externally supplied trust prior in [0,1]; the engine only uses it to break
// timestamp ties.
type Author struct {
	ID               string  `json:"id"`
	Username         string  `json:"username"`
	DisplayName      string  `json:"name"`
	ReliabilityScore float64 `json:"reliability_score"`
}

// Post is a single piece of short-form content. Posts are immutable once
// ingested.
type Post struct {
	ID             string     `json:"id"`
	AuthorRef      string     `json:"author_id"`
	Author         *Author    `json:"author,omitempty"`
	Text           string     `json:"text"`
	CreatedAt      time.Time  `json:"created_at"`
	Media          []Media    `json:"media,omitempty"`
	Metrics        Engagement `json:"public_metrics"`
	ConversationID string     `json:"conversation_id,omitempty"`
}

// HasMedia reports whether the post carries any attachment.
func (p Post) HasMedia() bool { return len(p.Media) > 0 }

// Reliability returns the author's reliability score, or 0 when the author
// is unknown.
func (p Post) Reliability() float64 {
	if p.Author == nil {
		return 0
	}
	return p.Author.ReliabilityScore
}

// ClampReliability forces a score into [0,1].
func ClampReliability(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

// LessID orders post IDs. Numeric IDs (the common case for status IDs)
// compare numerically; anything else falls back to string order.
func LessID(a, b string) bool {
	ai, aErr := strconv.ParseUint(a, 10, 64)
	bi, bErr := strconv.ParseUint(b, 10, 64)
	if aErr == nil && bErr == nil {
		return ai < bi
	}
	return a < b
}

var statusURLPattern = regexp.MustCompile(`(?i)(?:x\.com|twitter\.com)/(?:[\w]+|i/web)/status(?:es)?/(\d+)`)

// IDFromURL extracts the status ID from an x.com or twitter.com post URL.
// It returns "" when the URL does not point at a status.
func IDFromURL(url string) string {
	m := statusURLPattern.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}

// Snapshot is an immutable, time-ordered view of the corpus taken at the
// start of an analysis. It is safe for concurrent read access; nothing in
// the engine mutates it after construction.
type Snapshot struct {
	posts   []Post
	byID    map[string]int
	authors map[string]*Author

	duplicates int
}

// NewSnapshot copies posts and authors into a snapshot ordered by CreatedAt
// (ID breaks ties). Each post's Author pointer is resolved from authors when
// not already set. When an ID repeats, the first copy is kept and the rest
// are counted in Duplicates.
func NewSnapshot(posts []Post, authors []Author) *Snapshot {
	s := &Snapshot{
		posts:   make([]Post, 0, len(posts)),
		byID:    make(map[string]int, len(posts)),
		authors: make(map[string]*Author, len(authors)),
	}
	for i := range authors {
		a := authors[i]
		a.ReliabilityScore = ClampReliability(a.ReliabilityScore)
		s.authors[a.ID] = &a
	}

	seen := make(map[string]bool, len(posts))
	for _, p := range posts {
		if seen[p.ID] {
			s.duplicates++
			continue
		}
		seen[p.ID] = true
		s.posts = append(s.posts, p)
	}
	for i := range s.posts {
		p := &s.posts[i]
		if p.Author == nil {
			p.Author = s.authors[p.AuthorRef]
			continue
		}
		if p.AuthorRef == "" {
			p.AuthorRef = p.Author.ID
		}
		if known, ok := s.authors[p.Author.ID]; ok {
			p.Author = known
			continue
		}
		a := *p.Author
		a.ReliabilityScore = ClampReliability(a.ReliabilityScore)
		s.authors[a.ID] = &a
		p.Author = &a
	}

	sort.SliceStable(s.posts, func(i, j int) bool {
		if !s.posts[i].CreatedAt.Equal(s.posts[j].CreatedAt) {
			return s.posts[i].CreatedAt.Before(s.posts[j].CreatedAt)
		}
		return LessID(s.posts[i].ID, s.posts[j].ID)
	})
	for i, p := range s.posts {
		s.byID[p.ID] = i
	}
	return s
}

// Duplicates is the number of posts dropped because their ID was already
// present.
func (s *Snapshot) Duplicates() int { return s.duplicates }

// Len returns the number of posts.
func (s *Snapshot) Len() int { return len(s.posts) }

// Posts returns the time-ordered posts. Callers must not modify the slice.
func (s *Snapshot) Posts() []Post { return s.posts }

// Post looks up a post by ID.
func (s *Snapshot) Post(id string) (Post, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Post{}, false
	}
	return s.posts[i], true
}

// Author looks up an author by ID.
func (s *Snapshot) Author(id string) (Author, bool) {
	a, ok := s.authors[id]
	if !ok {
		return Author{}, false
	}
	return *a, true
}

// Page returns up to limit posts starting at offset.
func (s *Snapshot) Page(offset, limit int) []Post {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.posts) {
		return nil
	}
	end := len(s.posts)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return s.posts[offset:end]
}

// Range returns the earliest and latest creation times. ok is false for an
// empty snapshot.
func (s *Snapshot) Range() (first, last time.Time, ok bool) {
	if len(s.posts) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return s.posts[0].CreatedAt, s.posts[len(s.posts)-1].CreatedAt, true
}

// Texts returns the text of every post, in time order.
func (s *Snapshot) Texts() []string {
	texts := make([]string, len(s.posts))
	for i, p := range s.posts {
		texts[i] = p.Text
	}
	return texts
}

// Source hands out corpus snapshots. Implementations must return a snapshot
// that no later write can change.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

type staticSource struct{ snap *Snapshot }

func (s staticSource) Snapshot(context.Context) (*Snapshot, error) { return s.snap, nil }

// Static wraps an existing snapshot as a Source.
func Static(snap *Snapshot) Source { return staticSource{snap: snap} }
