package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"terminal-recon/internal/database"
	"terminal-recon/internal/infrastructure/payment"
	"terminal-recon/internal/metrics"
	"terminal-recon/internal/service"
	"terminal-recon/internal/worker"
)

// Sweeper runs one reconciliation pass on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (*worker.SweepReport, error)
}

// Diagnoser reports the gateway configuration without credentials.
type Diagnoser interface {
	Diagnostics() payment.Diagnostics
}

type Services struct {
	Publisher *service.Publisher
	Webhooks  *service.WebhookReceiver
	Poller    *service.StatusPoller
	Finalizer *service.Finalizer
	Sweeper   Sweeper
	Diagnoser Diagnoser
	// DB is nil when running on the in-memory store.
	DB database.Service
}

type Options struct {
	CORSOrigins   []string
	WebhookSecret string
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
}

// Server is the clerk and gateway facing HTTP API.
type Server struct {
	svc      Services
	opts     Options
	router   *gin.Engine
	validate *validator.Validate
	logger   zerolog.Logger
}

func New(svc Services, opts Options, logger zerolog.Logger) *Server {
	router := gin.New()
	s := &Server{
		svc:      svc,
		opts:     opts,
		router:   router,
		validate: validator.New(),
		logger:   logger.With().Str("component", "http").Logger(),
	}

	router.Use(gin.Recovery(), s.requestLogger(), corsMiddleware(opts.CORSOrigins))

	router.GET("/health", s.handleHealth)
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	router.POST("/webhooks/valor", s.handleWebhook)
	router.POST("/webhooks", s.handleWebhookBySource)

	api := router.Group("/api")
	{
		api.POST("/checkout", s.handleCheckout)
		api.GET("/status", s.handleStatus)
		api.POST("/pos/finalize", s.handleFinalize)
		api.GET("/pos/legs/:invoice", s.handleLeg)
		api.POST("/sweep", s.handleSweep)
		api.GET("/diag", s.handleDiag)
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info().Msg("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		s.opts.Metrics.ObserveRequest(route, strconv.Itoa(status/100)+"xx", elapsed.Seconds())

		ev := s.logger.Info()
		if status >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("request")
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", webhookSecretHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
