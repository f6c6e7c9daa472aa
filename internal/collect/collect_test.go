package collect

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/sourcetrace/internal/config"
	"github.com/TobiSchelling/sourcetrace/internal/corpus"
	"github.com/TobiSchelling/sourcetrace/internal/database"
	"github.com/TobiSchelling/sourcetrace/internal/logging"
)

const exportJSON = `{
  "data": [
    {
      "id": "1754000000000000001",
      "author_id": "42",
      "text": "شوفوا وش صار اليوم عند المدرسة",
      "created_at": "2026-02-05T14:15:00Z",
      "author": {"id": "42", "username": "@fahad", "name": "Fahad", "reliability_score": 0.25},
      "media": [{"type": "video", "media_key": "vid_1"}],
      "public_metrics": {"reply_count": 120, "retweet_count": 300, "like_count": 900, "quote_count": 60},
      "is_source": true
    },
    {
      "id": "1754000000000000002",
      "author_id": "43",
      "text": "مضاربة النسيم ترند الحين",
      "created_at": "2026-02-05T16:40:12.345678Z"
    },
    {"id": "", "text": "no id", "created_at": "2026-02-05T16:40:00Z"},
    {"id": "9", "text": "no time"}
  ],
  "users": [{"id": "43", "username": "@witness", "name": "Witness", "reliability_score": 0.8}],
  "meta": {"exported_at": "2026-02-06T10:00:00", "total_tweets": 4}
}`

type fakeStore struct {
	calls   []string
	posts   []corpus.Post
	authors []corpus.Author
	err     error
}

func (s *fakeStore) ImportPosts(_ context.Context, source string, posts []corpus.Post, authors []corpus.Author) (database.ImportResult, error) {
	if s.err != nil {
		return database.ImportResult{}, s.err
	}
	s.calls = append(s.calls, source)
	s.posts = append(s.posts, posts...)
	s.authors = append(s.authors, authors...)
	return database.ImportResult{Inserted: len(posts), Authors: len(authors)}, nil
}

func TestDecodeExport(t *testing.T) {
	exp, err := DecodeExport(strings.NewReader(exportJSON))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exp.Data) != 2 || exp.Skipped != 2 {
		t.Fatalf("expected 2 posts and 2 skipped, got %d and %d", len(exp.Data), exp.Skipped)
	}

	src := exp.Data[0]
	if src.Author == nil || src.Author.ReliabilityScore != 0.25 || src.AuthorRef != "42" {
		t.Errorf("expected embedded author, got %+v", src.Author)
	}
	if !src.HasMedia() || src.Media[0].Type != "video" {
		t.Errorf("expected video media, got %+v", src.Media)
	}
	if src.Metrics.Like != 900 {
		t.Errorf("expected 900 likes, got %d", src.Metrics.Like)
	}
	want := time.Date(2026, 2, 5, 16, 40, 12, 345678000, time.UTC)
	if !exp.Data[1].CreatedAt.Equal(want) {
		t.Errorf("expected %v, got %v", want, exp.Data[1].CreatedAt)
	}
	if authors := exp.Authors(); len(authors) != 1 || authors[0].Username != "@witness" {
		t.Errorf("expected listed user, got %+v", authors)
	}
}

func TestDecodeExportBareArray(t *testing.T) {
	exp, err := DecodeExport(strings.NewReader(`
  [{"id": "1", "text": "a", "created_at": "2026-02-05T01:00:00Z"}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exp.Data) != 1 || exp.Data[0].ID != "1" {
		t.Errorf("expected one post, got %+v", exp.Data)
	}
}

func TestDecodeExportInvalid(t *testing.T) {
	for _, in := range []string{"", "{", `{"data": 5}`} {
		if _, err := DecodeExport(strings.NewReader(in)); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestExportClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(exportJSON))
	}))
	defer srv.Close()

	exp, err := NewExportClient(srv.URL, "secret", time.Second).Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exp.Data) != 2 {
		t.Errorf("expected 2 posts, got %d", len(exp.Data))
	}
}

func TestExportClientHTTPError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewExportClient(srv.URL, "", 0).Fetch(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected 401 not to be retried, got %d requests", hits.Load())
	}
}

func TestExportClientRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(exportJSON))
	}))
	defer srv.Close()

	exp, err := NewExportClient(srv.URL, "", time.Second).Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exp.Data) != 2 {
		t.Errorf("expected 2 posts, got %d", len(exp.Data))
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 requests, got %d", hits.Load())
	}
}

const timelineRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>@reporter timeline</title>
  <link>https://bridge.example/reporter</link>
  <item>
    <title>Flood on the main road</title>
    <description>&lt;p&gt;Flood on the &lt;b&gt;main road&lt;/b&gt; &amp;amp; market&lt;/p&gt;</description>
    <link>https://x.com/reporter/status/1754000000000000009</link>
    <pubDate>Thu, 05 Feb 2026 09:30:00 GMT</pubDate>
    <author>@reporter</author>
    <enclosure url="https://video.example/1.mp4" type="video/mp4" length="100"/>
  </item>
  <item>
    <title>No date</title>
    <link>https://x.com/reporter/status/2</link>
  </item>
  <item>
    <title>Bridge link</title>
    <link>https://bridge.example/reporter/post/77</link>
    <pubDate>Thu, 05 Feb 2026 10:00:00 +0300</pubDate>
  </item>
</channel>
</rss>`

func TestFeedPosts(t *testing.T) {
	feed, err := gofeed.NewParser().ParseString(timelineRSS)
	if err != nil {
		t.Fatalf("parse feed: %v", err)
	}

	posts := FeedPosts(feed, "reporter")
	if len(posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(posts))
	}

	first := posts[0]
	if first.ID != "1754000000000000009" {
		t.Errorf("expected status ID from link, got %q", first.ID)
	}
	if first.Text != "Flood on the main road & market" {
		t.Errorf("unexpected text %q", first.Text)
	}
	if !first.CreatedAt.Equal(time.Date(2026, 2, 5, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("unexpected created_at %v", first.CreatedAt)
	}
	if diff := cmp.Diff([]corpus.Media{{Type: "video", URL: "https://video.example/1.mp4"}}, first.Media); diff != "" {
		t.Errorf("media mismatch (-want +got):\n%s", diff)
	}
	if first.Author == nil || first.Author.ID != "feed:reporter" {
		t.Errorf("expected feed author, got %+v", first.Author)
	}

	second := posts[1]
	if second.ID != "https://bridge.example/reporter/post/77" {
		t.Errorf("expected link as ID, got %q", second.ID)
	}
	if second.Text != "Bridge link" {
		t.Errorf("expected title fallback, got %q", second.Text)
	}
	if !second.CreatedAt.Equal(time.Date(2026, 2, 5, 7, 0, 0, 0, time.UTC)) {
		t.Errorf("expected UTC normalised time, got %v", second.CreatedAt)
	}
}

func TestExtractSourceName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://bridge.example/reporter/rss", "reporter"},
		{"https://www.news.example.com/feed", "example"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		if got := extractSourceName(tt.in); got != tt.want {
			t.Errorf("extractSourceName(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestSeedShape(t *testing.T) {
	base := time.Date(2026, 2, 5, 14, 0, 0, 0, time.UTC)
	opts := SeedOptions{EventPosts: 200, DailyPosts: 50, Location: "النسيم", Base: base, Random: 7}
	posts := Seed(opts)

	if len(posts) != 1+200+50 {
		t.Fatalf("expected 251 posts, got %d", len(posts))
	}

	ids := make(map[string]bool)
	var sources int
	for i, p := range posts {
		if ids[p.ID] {
			t.Errorf("duplicate ID %s", p.ID)
		}
		ids[p.ID] = true
		if p.CreatedAt.Before(base) || !p.CreatedAt.Before(base.Add(24*time.Hour)) {
			t.Errorf("post %s outside generated day: %v", p.ID, p.CreatedAt)
		}
		if i > 0 && p.CreatedAt.Before(posts[i-1].CreatedAt) {
			t.Errorf("posts not time ordered at %d", i)
		}
		if p.HasMedia() && p.Media[0].Type == "video" {
			sources++
			if !p.CreatedAt.Equal(base.Add(15 * time.Minute)) {
				t.Errorf("expected source at 14:15, got %v", p.CreatedAt)
			}
			if p.Author.ReliabilityScore != 0.25 {
				t.Errorf("expected source reliability 0.25, got %v", p.Author.ReliabilityScore)
			}
		}
	}
	if sources != 1 {
		t.Errorf("expected exactly one video source, got %d", sources)
	}

	again := Seed(opts)
	if diff := cmp.Diff(posts, again); diff != "" {
		t.Errorf("expected deterministic output (-first +second):\n%s", diff)
	}
}

func TestSeedNoEvent(t *testing.T) {
	posts := Seed(SeedOptions{DailyPosts: 10, Base: time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC)})
	if len(posts) != 10 {
		t.Fatalf("expected 10 posts, got %d", len(posts))
	}
	for _, p := range posts {
		if p.HasMedia() && p.Media[0].Type == "video" {
			t.Errorf("expected no source post without event, got %s", p.ID)
		}
	}
}

func TestCollectorImportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	if err := os.WriteFile(path, []byte(exportJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	store := &fakeStore{}
	c := NewCollector(config.Default(), store, nil, logging.Discard())

	r, err := c.ImportFile(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.TotalFound != 2 || r.Inserted != 2 || r.Sources[SourceFile] != 2 {
		t.Errorf("unexpected result %+v", r)
	}
	if diff := cmp.Diff([]string{SourceFile}, store.calls); diff != "" {
		t.Errorf("store calls mismatch (-want +got):\n%s", diff)
	}
	if len(store.authors) != 1 {
		t.Errorf("expected listed authors passed to store, got %d", len(store.authors))
	}
}

func TestCollectorCollect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(exportJSON))
	}))
	defer srv.Close()

	cfg := config.Default()
	store := &fakeStore{}
	if _, err := NewCollector(cfg, store, nil, logging.Discard()).Collect(context.Background()); !errors.Is(err, ErrNoSources) {
		t.Errorf("expected ErrNoSources, got %v", err)
	}

	cfg.Sources.Export.URL = srv.URL
	r, err := NewCollector(cfg, store, nil, logging.Discard()).Collect(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Sources[SourceExport] != 2 {
		t.Errorf("expected 2 export posts, got %+v", r.Sources)
	}
}

func TestCollectorStoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	c := NewCollector(config.Default(), store, nil, logging.Discard())
	_, err := c.ImportSeed(context.Background(), SeedOptions{DailyPosts: 3})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected store error, got %v", err)
	}
}
