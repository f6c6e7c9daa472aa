package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/TobiSchelling/sourcetrace/internal/corpus"
	"github.com/TobiSchelling/sourcetrace/internal/database"
	"github.com/TobiSchelling/sourcetrace/internal/fingerprint"
	"github.com/TobiSchelling/sourcetrace/internal/volume"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxSearchHits   = 100
)

func (s *Server) snapshot(c *gin.Context) (*corpus.Snapshot, bool) {
	snap, err := s.deps.Source.Snapshot(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("loading corpus snapshot")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "corpus unavailable"})
		return nil, false
	}
	return snap, true
}

func (s *Server) handleStatus(c *gin.Context) {
	stats, err := s.store.GetStats(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("loading stats")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "corpus unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "online",
		"total_tweets":  stats.Posts,
		"source_exists": stats.MediaPosts > 0,
		"stats":         stats,
		"sessions":      s.hub.Stats(),
	})
}

func (s *Server) handleTweets(c *gin.Context) {
	limit, ok := intQuery(c, "limit", defaultPageSize)
	if !ok {
		return
	}
	offset, ok := intQuery(c, "offset", 0)
	if !ok {
		return
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	page := snap.Page(offset, limit)
	if page == nil {
		page = []corpus.Post{}
	}
	c.JSON(http.StatusOK, gin.H{
		"data": page,
		"meta": gin.H{"total": snap.Len(), "limit": limit, "offset": offset},
	})
}

func (s *Server) handleVolume(c *gin.Context) {
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, volume.Aggregate(snap.Posts(), s.deps.Location))
}

// handleKeywords returns the crowd-echo fingerprint of the whole corpus.
func (s *Server) handleKeywords(c *gin.Context) {
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	ex := s.deps.Extractor
	if ex == nil {
		ex = fingerprint.New()
	}
	if s.deps.BackgroundIDF {
		ex = ex.Fit(snap.Texts())
	}

	fp, err := ex.ExtractCorpus(snap.Texts())
	if err != nil && !errors.Is(err, fingerprint.ErrEmptyText) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"top_keywords":   nonNil(fp.Keywords),
		"top_bigrams":    nonNil(fp.Bigrams),
		"total_analyzed": snap.Len(),
	})
}

// handleSearch filters posts by a case-insensitive substring and an hour
// range [start_hour, end_hour) of the volume series.
func (s *Server) handleSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	series := volume.Aggregate(snap.Posts(), s.deps.Location)

	start, ok := floatQuery(c, "start_hour", 0)
	if !ok {
		return
	}
	end, ok := floatQuery(c, "end_hour", float64(series.Span))
	if !ok {
		return
	}

	needle := strings.ToLower(query)
	hits := []corpus.Post{}
	total := 0
	for _, p := range snap.Posts() {
		if !strings.Contains(strings.ToLower(p.Text), needle) {
			continue
		}
		if h := series.HourOf(p.CreatedAt); h < start || h >= end {
			continue
		}
		total++
		if len(hits) < maxSearchHits {
			hits = append(hits, p)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"data": hits,
		"meta": gin.H{"total": total},
	})
}

func (s *Server) handleRuns(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 20)
	if !ok {
		return
	}
	runs, err := s.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("listing runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing runs failed"})
		return
	}
	if runs == nil {
		runs = []database.RunRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

func (s *Server) handleRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.log.WithError(err).Error("loading run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "loading run failed"})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func intQuery(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be an integer"})
		return 0, false
	}
	return n, true
}

func floatQuery(c *gin.Context, key string, def float64) (float64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be a number"})
		return 0, false
	}
	return f, true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
