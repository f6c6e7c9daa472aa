package collect

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/sourcetrace/internal/config"
	"github.com/TobiSchelling/sourcetrace/internal/corpus"
	"github.com/TobiSchelling/sourcetrace/internal/database"
	"github.com/TobiSchelling/sourcetrace/internal/metrics"
)

// ErrNoSources is returned by Collect when neither an export endpoint nor
// feeds are configured.
var ErrNoSources = errors.New("no import sources configured")

// Source labels recorded on imported posts.
const (
	SourceExport = "export"
	SourceFile   = "file"
	SourceFeed   = "feed"
	SourceSeed   = "seed"
)

// Store persists imported posts.
type Store interface {
	ImportPosts(ctx context.Context, source string, posts []corpus.Post, authors []corpus.Author) (database.ImportResult, error)
}

// Result holds the results of an import run.
type Result struct {
	TotalFound int
	Inserted   int
	Duplicates int
	Sources    map[string]int
}

func (r *Result) add(source string, found int, res database.ImportResult) {
	r.TotalFound += found
	r.Inserted += res.Inserted
	r.Duplicates += res.Duplicates
	r.Sources[source] += res.Inserted
}

// Collector imports posts into the corpus from exports, files, feeds and the
// synthetic generator.
type Collector struct {
	store      Store
	export     *ExportClient
	feedParser *FeedParser
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
}

// NewCollector creates a collector for the sources configured in cfg.
func NewCollector(cfg *config.Config, store Store, m *metrics.Metrics, log logrus.FieldLogger) *Collector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Collector{store: store, metrics: m, log: log}

	if cfg.Sources.Export.URL != "" {
		c.export = NewExportClient(cfg.Sources.Export.URL, cfg.ExportToken(), cfg.Sources.Export.Timeout)
	}

	if len(cfg.Sources.Feeds) > 0 {
		feeds := make([]FeedConfig, len(cfg.Sources.Feeds))
		for i, f := range cfg.Sources.Feeds {
			feeds[i] = FeedConfig{URL: f.URL, Name: f.Name}
		}
		c.feedParser = NewFeedParser(feeds, log)
	}

	return c
}

// Collect imports from every configured remote source.
func (c *Collector) Collect(ctx context.Context) (*Result, error) {
	if c.export == nil && c.feedParser == nil {
		return nil, ErrNoSources
	}
	r := newResult()

	if c.export != nil {
		if err := c.importExport(ctx, c.export, r); err != nil {
			return r, err
		}
	}
	if c.feedParser != nil {
		if err := c.importFeeds(ctx, r); err != nil {
			return r, err
		}
	}

	c.log.Infof("Import complete: %d found, %d new, %d duplicates", r.TotalFound, r.Inserted, r.Duplicates)
	return r, nil
}

// ImportURL imports an export served at url, overriding the configured one.
func (c *Collector) ImportURL(ctx context.Context, url, token string) (*Result, error) {
	r := newResult()
	client := NewExportClient(url, token, 0)
	if c.export != nil && c.export.url == url {
		client = c.export
	}
	return r, c.importExport(ctx, client, r)
}

// ImportFeeds imports only the configured feeds.
func (c *Collector) ImportFeeds(ctx context.Context) (*Result, error) {
	if c.feedParser == nil {
		return nil, fmt.Errorf("%w: no feeds", ErrNoSources)
	}
	r := newResult()
	return r, c.importFeeds(ctx, r)
}

// ImportFile imports an export stored on disk.
func (c *Collector) ImportFile(ctx context.Context, path string) (*Result, error) {
	exp, err := ReadExportFile(path)
	if err != nil {
		return nil, err
	}
	r := newResult()
	c.log.WithField("path", path).Infof("Read %d posts from file", len(exp.Data))
	return r, c.save(ctx, SourceFile, exp.Data, exp.Authors(), r)
}

// ImportSeed generates a synthetic corpus and stores it.
func (c *Collector) ImportSeed(ctx context.Context, opts SeedOptions) (*Result, error) {
	posts := Seed(opts)
	r := newResult()
	c.log.WithField("base", opts.Base).Infof("Generated %d synthetic posts", len(posts))
	return r, c.save(ctx, SourceSeed, posts, nil, r)
}

func (c *Collector) importExport(ctx context.Context, client *ExportClient, r *Result) error {
	c.log.WithField("url", client.url).Info("Importing export...")
	exp, err := client.Fetch(ctx)
	if err != nil {
		return err
	}
	return c.save(ctx, SourceExport, exp.Data, exp.Authors(), r)
}

func (c *Collector) importFeeds(ctx context.Context, r *Result) error {
	c.log.Info("Importing from feeds...")
	posts := c.feedParser.ParseAll(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.save(ctx, SourceFeed, posts, nil, r)
}

func (c *Collector) save(ctx context.Context, source string, posts []corpus.Post, authors []corpus.Author, r *Result) error {
	res, err := c.store.ImportPosts(ctx, source, posts, authors)
	if err != nil {
		return fmt.Errorf("storing %s posts: %w", source, err)
	}
	r.add(source, len(posts), res)
	c.metrics.PostsImported(source, res.Inserted)
	return nil
}

func newResult() *Result {
	return &Result{Sources: make(map[string]int)}
}
