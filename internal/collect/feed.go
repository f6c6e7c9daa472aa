package collect

import (
	"context"
	"html"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/sourcetrace/internal/corpus"
)

const maxPerFeed = 200

// FeedConfig represents a single feed configuration.
type FeedConfig struct {
	URL  string
	Name string
}

// FeedParser turns RSS/Atom feeds of short posts (account timelines, bridge
// services) into corpus posts.
type FeedParser struct {
	feeds  []FeedConfig
	parser *gofeed.Parser
	log    logrus.FieldLogger
}

// NewFeedParser creates a new FeedParser.
func NewFeedParser(feeds []FeedConfig, log logrus.FieldLogger) *FeedParser {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FeedParser{feeds: feeds, parser: gofeed.NewParser(), log: log}
}

// ParseAll parses all configured feeds. Feeds that fail are logged and
// skipped.
func (fp *FeedParser) ParseAll(ctx context.Context) []corpus.Post {
	var all []corpus.Post
	for _, fc := range fp.feeds {
		if ctx.Err() != nil {
			break
		}
		name := fc.Name
		if name == "" {
			name = extractSourceName(fc.URL)
		}

		feed, err := fp.parser.ParseURLWithContext(fc.URL, ctx)
		if err != nil {
			fp.log.WithError(err).Warnf("Failed to parse feed %s", fc.URL)
			continue
		}
		posts := FeedPosts(feed, name)
		all = append(all, posts...)
		fp.log.Infof("Parsed %d posts from %s", len(posts), name)
	}
	return all
}

// FeedPosts converts parsed feed items into posts. Items without a link,
// GUID, timestamp or text are dropped.
func FeedPosts(feed *gofeed.Feed, sourceName string) []corpus.Post {
	var posts []corpus.Post
	for _, item := range feed.Items {
		if len(posts) >= maxPerFeed {
			break
		}
		if p, ok := parseItem(item, sourceName); ok {
			posts = append(posts, p)
		}
	}
	return posts
}

func parseItem(item *gofeed.Item, source string) (corpus.Post, bool) {
	link := item.Link
	if link == "" {
		link = item.GUID
	}
	if link == "" {
		return corpus.Post{}, false
	}

	created := item.PublishedParsed
	if created == nil {
		created = item.UpdatedParsed
	}
	if created == nil {
		return corpus.Post{}, false
	}

	var text string
	if item.Content != "" {
		text = stripHTML(item.Content)
	} else if item.Description != "" {
		text = stripHTML(item.Description)
	}
	if text == "" {
		text = strings.TrimSpace(item.Title)
	}
	if text == "" {
		return corpus.Post{}, false
	}

	id := corpus.IDFromURL(link)
	if id == "" {
		id = link
	}

	name := source
	if len(item.Authors) > 0 && item.Authors[0] != nil && item.Authors[0].Name != "" {
		name = item.Authors[0].Name
	}
	username := name
	if f := strings.Fields(name); len(f) > 0 {
		username = strings.TrimPrefix(f[0], "@")
	}

	p := corpus.Post{
		ID: id,
		Author: &corpus.Author{
			ID:          "feed:" + strings.ToLower(username),
			Username:    username,
			DisplayName: name,
		},
		Text:      text,
		CreatedAt: created.UTC(),
	}
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		p.Media = append(p.Media, corpus.Media{Type: mediaType(enc.Type), URL: enc.URL})
	}
	if item.Image != nil && item.Image.URL != "" && len(p.Media) == 0 {
		p.Media = append(p.Media, corpus.Media{Type: "photo", URL: item.Image.URL})
	}
	return p, true
}

func mediaType(mime string) string {
	switch {
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "image/"):
		return "photo"
	case mime == "":
		return "unknown"
	}
	return mime
}

func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
			result.WriteRune(' ')
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			result.WriteRune(r)
		}
	}

	s := html.UnescapeString(result.String())
	return strings.Join(strings.Fields(s), " ")
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	// Timeline bridges put the account in the first path segment.
	if seg := strings.Split(strings.Trim(u.Path, "/"), "/"); seg[0] != "" && len(seg) > 1 {
		return seg[0]
	}

	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return host
}
