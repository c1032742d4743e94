// Package server exposes the joined hotspot dataset as a JSON API for the
// dashboard: the hotspot table, monthly and yearly series, land-cover counts,
// choropleth layers, point markers and the cascading selector options.
//
// Every endpoint accepts the optional query parameters area and canton, which
// are resolved through the cascading filter before anything is counted.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rewired-gh/firmscr/internal/config"
	"github.com/rewired-gh/firmscr/internal/logger"
	"github.com/rewired-gh/firmscr/internal/pipeline"
)

// Loader returns the dataset to serve. pipeline.Source is the production implementation.
type Loader interface {
	Load(ctx context.Context) (*pipeline.Result, error)
}

// Server is the dashboard API
type Server struct {
	loader Loader
	cfg    config.ServerConfig
}

// New creates a server
func New(loader Loader, cfg config.ServerConfig) *Server {
	return &Server{
		loader: loader,
		cfg:    cfg,
	}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if s.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(api chi.Router) {
		api.Get("/run", s.handleRun)
		api.Get("/options", s.handleOptions)
		api.Get("/hotspots", s.handleHotspots)
		api.Get("/markers", s.handleMarkers)
		api.Get("/map", s.handleMap)
		api.Route("/series", func(series chi.Router) {
			series.Get("/monthly", s.handleMonthly)
			series.Get("/yearly", s.handleYearly)
		})
		api.Get("/landcover", s.handleLandCover)
		api.Route("/choropleth", func(ch chi.Router) {
			ch.Get("/areas", s.handleAreaChoropleth)
			ch.Get("/cantons", s.handleCantonChoropleth)
		})
	})

	return r
}

// Run serves until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Dashboard API listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down dashboard API...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug("%s %s -> %d (%d bytes) in %v [%s]", r.Method, r.URL.RequestURI(),
			ww.Status(), ww.BytesWritten(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}
