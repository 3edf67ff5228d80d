// Package server exposes the pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/bhashasuraksha/pipeline/orchestrator"
	"github.com/bhashasuraksha/pipeline/store"
)

type Options struct {
	Service     string
	Version     string
	CORSOrigins []string
	// RateLimit is requests per second per client on the heavy routes;
	// zero disables limiting.
	RateLimit   float64
	RateBurst   int
	MaxUploadMB int64
	CacheSize   int
	TempDir     string
	// FilesDir, when set, is served under /files.
	FilesDir string
	Log      logrus.FieldLogger
}

type Server struct {
	pipe    *orchestrator.Pipeline
	catalog store.Catalog
	samples *lru.Cache[int64, store.Sample]
	opts    Options
	log     logrus.FieldLogger
}

func New(pipe *orchestrator.Pipeline, catalog store.Catalog, opts Options) (*Server, error) {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 50
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Service == "" {
		opts.Service = "bhasha-pipeline"
	}
	cache, err := lru.New[int64, store.Sample](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Server{
		pipe:    pipe,
		catalog: catalog,
		samples: cache,
		opts:    opts,
		log:     opts.Log.WithField("component", "server"),
	}, nil
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(s.log), cors(s.opts.CORSOrigins))

	heavy := rateLimit(s.opts.RateLimit, s.opts.RateBurst)

	r.GET("/", s.root)
	r.GET("/health", s.health)
	r.POST("/process-audio", heavy, s.processAudio)

	r.GET("/embeddings", s.listEmbeddings)
	r.GET("/embeddings/export", s.exportEmbeddings)
	r.GET("/embeddings/:id", s.getEmbedding)
	r.POST("/embeddings/compare", heavy, s.compare)

	r.GET("/clusters", s.listClusters)
	r.GET("/clusters/:id", s.getCluster)
	r.GET("/heatmap", s.heatmap)

	if s.opts.FilesDir != "" {
		r.Static("/files", s.opts.FilesDir)
	}
	return r
}

// Run serves on addr until ctx is cancelled, then drains in-flight
// requests for up to grace.
func (s *Server) Run(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
