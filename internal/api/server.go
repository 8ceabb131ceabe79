package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/LyKhan77/protoscale/internal/meshy"
	"github.com/LyKhan77/protoscale/internal/rembg"
	"github.com/LyKhan77/protoscale/internal/retexture"
	"github.com/LyKhan77/protoscale/internal/slots"
	"github.com/LyKhan77/protoscale/internal/store"
	"github.com/LyKhan77/protoscale/internal/thumbs"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Options carries the server's dependencies and policy knobs.
type Options struct {
	Addr        string
	APIKey      string
	CORSOrigins []string

	Store     *store.Store
	Slots     *slots.Manager
	Client    *meshy.Client
	Retexture *retexture.Manager
	Remover   rembg.BackgroundRemover
	Renderer  thumbs.Renderer
	Logger    *slog.Logger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	store     *store.Store
	slots     *slots.Manager
	client    *meshy.Client
	retexture *retexture.Manager
	remover   rembg.BackgroundRemover
	renderer  thumbs.Renderer
	logger    *slog.Logger
	addr      string
	apiKey    string
	limiter   *rateLimiter
}

// NewServer creates and configures a new HTTP server.
func NewServer(opts Options) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		store:     opts.Store,
		slots:     opts.Slots,
		client:    opts.Client,
		retexture: opts.Retexture,
		remover:   opts.Remover,
		renderer:  opts.Renderer,
		logger:    opts.Logger,
		addr:      opts.Addr,
		apiKey:    opts.APIKey,
		limiter:   newRateLimiter(generateLimit, generateWindow),
	}
	if srv.remover == nil {
		srv.remover = rembg.Noop{}
	}
	if srv.renderer == nil {
		srv.renderer = thumbs.Noop{}
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/metrics/pipeline", s.handlePipelineMetrics)

		r.Route("/jobs/{id}", func(r chi.Router) {
			r.With(s.requireAPIKey, s.rateLimit).Post("/generate-3d", s.handleGenerate3D)
			r.Get("/status", s.handleJobStatus)
			r.Get("/stream", s.handleStream)
			r.Get("/history", s.handleJobHistory)
			r.Get("/result/model.glb", s.handleResult)
			r.Get("/thumbnail", s.handleThumbnail)
			r.Delete("/", s.handleDeleteJob)

			r.With(s.requireAPIKey).Post("/retexture", s.handleRetextureSubmit)
			r.Get("/retexture/status", s.handleRetextureStatus)
			r.With(s.requireAPIKey).Post("/retexture/cancel", s.handleRetextureCancel)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
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
