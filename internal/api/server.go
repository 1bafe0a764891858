package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/net/netutil"

	"github.com/seantiz/kiln/internal/events"
	"github.com/seantiz/kiln/internal/isolate"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/pool"
	"github.com/seantiz/kiln/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	compressionLevel  = 5
)

// Pool is the worker pool front door used by the server.
type Pool interface {
	CreateWorker(ctx context.Context, opts pool.CreateOptions) (model.WorkerKey, error)
	SendRequest(ctx context.Context, key model.WorkerKey, req *http.Request) (*http.Response, error)
	ShutdownWorker(ctx context.Context, key model.WorkerKey) error
	Workers(ctx context.Context) ([]model.WorkerRecord, error)
	Defaults() model.RuntimeConfig
}

// Options configures the HTTP surface.
type Options struct {
	Addr     string
	MaxConns int
	// AdminSecret enables HS256 bearer authentication on /_internal routes.
	AdminSecret string
	// Main is the router worker that receives proxied traffic. When nil,
	// requests are routed by their first path segment into ServicesDir.
	Main        *pool.CreateOptions
	ServicesDir string
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	pool    Pool
	store   store.Store
	engines *isolate.Registry
	broker  *events.Broker
	logger  *slog.Logger
	opts    Options
}

// NewServer creates and configures a new HTTP server.
func NewServer(opts Options, p Pool, s store.Store, engines *isolate.Registry, broker *events.Broker, logger *slog.Logger) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		pool:    p,
		store:   s,
		engines: engines,
		broker:  broker,
		logger:  logger,
		opts:    opts,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(instrument)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// newCompressor returns the response compressor for JSON API routes, with
// brotli preferred over gzip and deflate.
func newCompressor() *middleware.Compressor {
	c := middleware.NewCompressor(compressionLevel, "application/json")
	c.SetEncoder("br", func(w io.Writer, level int) io.Writer {
		return brotli.NewWriterLevel(w, level)
	})
	return c
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/_internal", func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Get("/events/stream", s.handleStreamEvents)
		r.Get("/events/ws", s.handleEventsWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(newCompressor().Handler)

			r.Get("/engines", s.handleListEngines)
			r.Get("/stats", s.handleGetStats)
			r.Get("/events", s.handleListEvents)

			r.Route("/workers", func(r chi.Router) {
				r.Post("/", s.handleCreateWorker)
				r.Get("/", s.handleListWorkers)
				r.Get("/{key}", s.handleGetWorker)
				r.Delete("/{key}", s.handleDeleteWorker)
			})
		})
	})

	s.router.Handle("/*", http.HandlerFunc(s.handleProxy))
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. At most Options.MaxConns
// connections are served concurrently when it is positive.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConns)
	}

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
