package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/sourcetrace/internal/corpus"
	"github.com/TobiSchelling/sourcetrace/internal/database"
	"github.com/TobiSchelling/sourcetrace/internal/metrics"
	"github.com/TobiSchelling/sourcetrace/internal/session"
)

const serviceName = "sourcetrace"

// Store is the read side of the database the API serves from.
type Store interface {
	corpus.Source
	ListRuns(ctx context.Context, limit int) ([]database.RunRecord, error)
	GetRun(ctx context.Context, id string) (*database.RunRecord, error)
	GetStats(ctx context.Context) (*database.Stats, error)
}

// Options configure a Server.
type Options struct {
	Store   Store
	Deps    session.Deps
	Metrics *metrics.Metrics
	Logger  logrus.FieldLogger
	Version string
}

// Server is the HTTP and websocket API.
type Server struct {
	store   Store
	deps    session.Deps
	metrics *metrics.Metrics
	log     logrus.FieldLogger
	version string
	hub     *Hub
	router  *gin.Engine
}

// New creates a new Server. Deps.Source defaults to the store.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Deps.Source == nil {
		opts.Deps.Source = opts.Store
	}
	if opts.Deps.Location == nil {
		opts.Deps.Location = time.UTC
	}
	if opts.Deps.Metrics == nil {
		opts.Deps.Metrics = opts.Metrics
	}
	if opts.Deps.Logger == nil {
		opts.Deps.Logger = opts.Logger
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		store:   opts.Store,
		deps:    opts.Deps,
		metrics: opts.Metrics,
		log:     opts.Logger,
		version: opts.Version,
	}
	s.hub = NewHub(s.deps, opts.Metrics, opts.Logger)
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub. Its Run loop must be started before
// websocket clients connect.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() {
	r := gin.New()
	r.Use(requestIDMiddleware())
	r.Use(loggingMiddleware(s.log))
	r.Use(recoveryMiddleware(s.log))
	r.Use(corsMiddleware())
	r.Use(s.metrics.Middleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
			"version": s.version,
		})
	})
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/tweets", s.handleTweets)
	api.GET("/volume", s.handleVolume)
	api.GET("/keywords", s.handleKeywords)
	api.GET("/search", s.handleSearch)
	api.GET("/runs", s.handleRuns)
	api.GET("/runs/:id", s.handleRun)

	r.GET("/ws/analysis", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	s.router = r
}

// Serve runs the hub and an HTTP server on addr until ctx is cancelled or
// the listener fails, then shuts both down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.log.WithField("addr", addr).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	s.log.Info("Server stopped")
	return err
}
