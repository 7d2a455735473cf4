// Package httpapi exposes the pipeline over HTTP: job submission and lookup,
// cache lookup and tag invalidation, health, stats, breaker controls and
// Prometheus metrics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dcbickfo/embedpipe"
	"github.com/dcbickfo/embedpipe/breaker"
	"github.com/dcbickfo/embedpipe/internal/logger"
	"github.com/dcbickfo/embedpipe/queue"
)

// Service is the part of *embedpipe.Pipeline the API drives.
type Service interface {
	SubmitJob(ctx context.Context, id string, req embedpipe.EmbedRequest, opts queue.SubmitOptions) (*queue.Job, bool, error)
	Job(ctx context.Context, id string) (*queue.Job, error)
	Stats(ctx context.Context) (embedpipe.Stats, error)
	Health(ctx context.Context) embedpipe.Health
	Breakers() *breaker.Registry
	Lookup(ctx context.Context, text string) ([]float32, bool)
	InvalidateTag(ctx context.Context, tag string) (int, error)
}

// Config configures the router.
type Config struct {
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// RequestTimeout bounds each request. Defaults to 10 seconds.
	RequestTimeout time.Duration

	Logger logger.Logger
}

// NewRouter builds the HTTP handler for svc.
func NewRouter(svc Service, cfg Config) http.Handler {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	h := &handler{svc: svc, logger: logger.OrDefault(cfg.Logger)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", h.health)
	r.Get("/stats", h.stats)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.submit)
		r.Get("/{id}", h.job)
	})
	r.Route("/breakers", func(r chi.Router) {
		r.Get("/", h.breakers)
		r.Post("/reset", h.resetAll)
		r.Post("/{name}/open", h.forceOpen)
		r.Post("/{name}/reset", h.reset)
	})
	r.Route("/cache", func(r chi.Router) {
		r.Post("/lookup", h.lookup)
		r.Post("/tags/{tag}/invalidate", h.invalidateTag)
	})
	return r
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
