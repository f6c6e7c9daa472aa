package corpus

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2026, 2, 6, 0, 0, 0, 0, time.UTC)

func TestIDFromURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://x.com/reporter/status/1754000000000000001", "1754000000000000001"},
		{"https://twitter.com/reporter/status/42?s=20", "42"},
		{"https://mobile.twitter.com/i/web/status/77", "77"},
		{"https://X.COM/someone/statuses/9/photo/1", "9"},
		{"https://x.com/reporter", ""},
		{"https://example.com/reporter/status/5", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := IDFromURL(tt.in); got != tt.want {
			t.Errorf("IDFromURL(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestLessID(t *testing.T) {
	if !LessID("9", "10") {
		t.Error("expected numeric order 9 < 10")
	}
	if LessID("10", "9") {
		t.Error("expected 10 not < 9")
	}
	if !LessID("abc", "abd") {
		t.Error("expected string order for non-numeric IDs")
	}
}

func TestNewSnapshotOrdersPosts(t *testing.T) {
	posts := []Post{
		{ID: "10", Text: "c", CreatedAt: t0.Add(2 * time.Hour)},
		{ID: "9", Text: "b", CreatedAt: t0.Add(2 * time.Hour)},
		{ID: "30", Text: "a", CreatedAt: t0.Add(time.Hour)},
	}
	snap := NewSnapshot(posts, nil)

	var ids []string
	for _, p := range snap.Posts() {
		ids = append(ids, p.ID)
	}
	if diff := cmp.Diff([]string{"30", "9", "10"}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, snap.Texts()); diff != "" {
		t.Errorf("texts mismatch (-want +got):\n%s", diff)
	}
	if posts[0].ID != "10" {
		t.Error("expected input slice left unsorted")
	}

	first, last, ok := snap.Range()
	if !ok || !first.Equal(t0.Add(time.Hour)) || !last.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("unexpected range %v..%v (%v)", first, last, ok)
	}
	if p, ok := snap.Post("9"); !ok || p.Text != "b" {
		t.Errorf("expected lookup of post 9, got %+v (%v)", p, ok)
	}
	if _, ok := snap.Post("missing"); ok {
		t.Error("expected missing post lookup to fail")
	}
}

func TestNewSnapshotKeepsFirstDuplicate(t *testing.T) {
	posts := []Post{
		{ID: "5", Text: "original", CreatedAt: t0.Add(3 * time.Hour)},
		{ID: "6", Text: "other", CreatedAt: t0.Add(2 * time.Hour)},
		{ID: "5", Text: "re-exported copy", CreatedAt: t0.Add(time.Hour)},
	}
	snap := NewSnapshot(posts, nil)

	if snap.Len() != 2 {
		t.Fatalf("expected 2 posts, got %d", snap.Len())
	}
	if snap.Duplicates() != 1 {
		t.Errorf("expected 1 duplicate, got %d", snap.Duplicates())
	}
	if p, ok := snap.Post("5"); !ok || p.Text != "original" {
		t.Errorf("expected first copy of post 5, got %+v (%v)", p, ok)
	}
	if diff := cmp.Diff([]string{"other", "original"}, snap.Texts()); diff != "" {
		t.Errorf("texts mismatch (-want +got):\n%s", diff)
	}
}

func TestNewSnapshotResolvesAuthors(t *testing.T) {
	embedded := &Author{ID: "a2", Username: "embedded", ReliabilityScore: -3}
	posts := []Post{
		{ID: "1", AuthorRef: "a1", CreatedAt: t0},
		{ID: "2", Author: embedded, CreatedAt: t0.Add(time.Minute)},
		{ID: "3", AuthorRef: "nobody", CreatedAt: t0.Add(2 * time.Minute)},
	}
	snap := NewSnapshot(posts, []Author{{ID: "a1", Username: "listed", ReliabilityScore: 4}})

	p1, _ := snap.Post("1")
	if p1.Author == nil || p1.Author.Username != "listed" || p1.Reliability() != 1 {
		t.Errorf("expected listed author clamped to 1, got %+v", p1.Author)
	}
	p2, _ := snap.Post("2")
	if p2.AuthorRef != "a2" || p2.Reliability() != 0 {
		t.Errorf("expected embedded author clamped to 0, got %+v", p2.Author)
	}
	if embedded.ReliabilityScore != -3 {
		t.Error("expected caller's author left unmodified")
	}
	if a, ok := snap.Author("a2"); !ok || a.Username != "embedded" {
		t.Errorf("expected embedded author registered, got %+v (%v)", a, ok)
	}
	p3, _ := snap.Post("3")
	if p3.Author != nil || p3.Reliability() != 0 {
		t.Errorf("expected unknown author to stay nil, got %+v", p3.Author)
	}
}

func TestSnapshotPage(t *testing.T) {
	var posts []Post
	for i := 0; i < 5; i++ {
		posts = append(posts, Post{ID: string(rune('a' + i)), CreatedAt: t0.Add(time.Duration(i) * time.Minute)})
	}
	snap := NewSnapshot(posts, nil)

	tests := []struct {
		offset, limit int
		want          int
	}{
		{0, 2, 2},
		{4, 10, 1},
		{5, 1, 0},
		{-1, 0, 5},
	}
	for _, tt := range tests {
		if got := len(snap.Page(tt.offset, tt.limit)); got != tt.want {
			t.Errorf("Page(%d, %d): expected %d posts, got %d", tt.offset, tt.limit, tt.want, got)
		}
	}
}

func TestEmptySnapshot(t *testing.T) {
	snap := NewSnapshot(nil, nil)
	if snap.Len() != 0 {
		t.Errorf("expected empty snapshot, got %d", snap.Len())
	}
	if _, _, ok := snap.Range(); ok {
		t.Error("expected no range for empty snapshot")
	}

	got, err := Static(snap).Snapshot(context.Background())
	if err != nil || got != snap {
		t.Errorf("expected static source to return the snapshot, got %v (%v)", got, err)
	}
}
