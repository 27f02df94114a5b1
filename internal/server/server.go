// Package server exposes the published trip update feed and the historic
// store over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/SWT-Forschungsprojekt/tup/internal/history"
)

// FeedSource returns the currently published feed
type FeedSource interface {
	Load() *gtfs.FeedMessage
}

// LoopStatus reports whether the refresh loop is alive
type LoopStatus interface {
	Running() bool
}

// HistoryReader answers historic queries
type HistoryReader interface {
	Average(ctx context.Context, tripID, stopID string) (int64, error)
	DelayStats(ctx context.Context, routeID string, since time.Time) ([]history.DelayStat, error)
}

// Deps are the components served. History, Metrics and StaticDir are optional.
type Deps struct {
	Feed      FeedSource
	Status    LoopStatus
	History   HistoryReader
	Metrics   http.Handler
	StaticDir string
}

// NewRouter builds the HTTP routes
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"X-Content-Type-Options", "X-Requested-With", "Content-Type", "Accept", "Authorization"},
		MaxAge:         3600,
	}))

	fh := &feedHandler{feed: d.Feed, status: d.Status}
	hh := &historyHandler{store: d.History}

	r.Get("/health", fh.Health)
	r.Get("/gtfs-rt/trip-updates", fh.TripUpdates)
	r.Get("/gtfs-rt/trip-updates.json", fh.TripUpdatesJSON)

	r.Get("/api/history/average", hh.Average)
	r.Get("/api/delays/stats", hh.DelayStats)

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	if d.StaticDir != "" {
		r.Handle("/*", staticFiles(d.StaticDir))
	} else {
		r.NotFound(notFound)
	}
	return r
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "Not found")
}

// staticFiles serves dir and answers missing files with the JSON not found body
func staticFiles(dir string) http.HandlerFunc {
	root := http.Dir(dir)
	files := http.FileServer(root)

	return func(w http.ResponseWriter, r *http.Request) {
		f, err := root.Open(path.Clean("/" + r.URL.Path))
		if err != nil {
			notFound(w, r)
			return
		}
		f.Close()
		files.ServeHTTP(w, r)
	}
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
