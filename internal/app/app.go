// Package app assembles the reconciliation service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"terminal-recon/internal/cache"
	"terminal-recon/internal/config"
	"terminal-recon/internal/database"
	"terminal-recon/internal/infrastructure/payment"
	"terminal-recon/internal/metrics"
	"terminal-recon/internal/relay"
	"terminal-recon/internal/repo"
	"terminal-recon/internal/repo/memory"
	"terminal-recon/internal/server"
	"terminal-recon/internal/service"
	"terminal-recon/internal/worker"
)

// NewLogger builds the root logger. Console format is meant for terminals.
func NewLogger(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("%w: log.level: %v", config.ErrInvalid, err)
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "terminal-recon").Logger(), nil
}

type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	// DB is nil in memory mode.
	DB           database.Service
	Sessions     repo.SessionRepo
	Correlations repo.CorrelationRepo
	Webhooks     repo.WebhookRepo
	Ledger       repo.SaleLedger
	Cache        cache.Cache
	Gateway      payment.Gateway

	Correlator *service.Correlator
	Publisher  *service.Publisher
	Receiver   *service.WebhookReceiver
	Poller     *service.StatusPoller
	Finalizer  *service.Finalizer
	Sweeper    *worker.ReconciliationWorker

	closers []func() error
}

// Option overrides a component New would otherwise build from config.
type Option func(*App)

// WithGateway replaces the configured terminal gateway.
func WithGateway(g payment.Gateway) Option {
	return func(a *App) { a.Gateway = g }
}

// New connects the stores and builds every component. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	for _, opt := range opts {
		opt(a)
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	if err := a.openStores(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.openCache(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if a.Gateway == nil {
		a.Gateway = a.newGateway()
	}

	loc := time.UTC
	if tz := cfg.Gateway.Timezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("%w: gateway.timezone: %v", config.ErrInvalid, err)
		}
		loc = l
	}

	a.Correlator = service.NewCorrelator(a.Correlations, cfg.Correlator.Window, cfg.Correlator.MaxSkew, logger)
	a.Publisher = service.NewPublisher(a.Gateway, a.Correlations, a.Sessions, a.Metrics, logger)
	a.Receiver = service.NewWebhookReceiver(service.WebhookDeps{
		Normalizer:   service.NewNormalizer(loc),
		Correlator:   a.Correlator,
		Correlations: a.Correlations,
		Webhooks:     a.Webhooks,
		Sessions:     a.Sessions,
		Ledger:       a.Ledger,
		Cache:        a.Cache,
		OutcomeTTL:   cfg.Poll.OutcomeTTL,
		Metrics:      a.Metrics,
	}, logger)
	a.Poller = service.NewStatusPoller(a.Gateway, a.Webhooks, a.Sessions, a.Cache, cfg.Poll.ThrottleTTL, cfg.Poll.OutcomeTTL, a.Metrics, logger)
	a.Finalizer = service.NewFinalizer(a.Sessions, a.Ledger, a.Metrics, logger)
	a.Sweeper = worker.NewReconciliationWorker(worker.SweepDeps{
		Ledger:       a.Ledger,
		Webhooks:     a.Webhooks,
		Sessions:     a.Sessions,
		Correlations: a.Correlations,
		Correlator:   a.Correlator,
		Metrics:      a.Metrics,
	}, worker.SweepConfig{
		Interval:         cfg.Sweep.Interval,
		BatchSize:        cfg.Sweep.BatchSize,
		WebhookScan:      cfg.Sweep.WebhookScan,
		UnfinalizedAfter: cfg.Sweep.UnfinalizedAfter,
	}, logger)
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	if a.Config.Database.Memory {
		a.Logger.Warn().Msg("using in-memory stores; state is lost on restart")
		a.Sessions = memory.NewSessionStore()
		a.Correlations = memory.NewCorrelationLog()
		a.Webhooks = memory.NewWebhookLog()
		a.Ledger = memory.NewSaleLedger()
		return nil
	}

	db, err := database.NewPostgres(ctx, a.Config.Database.DSN, database.PoolConfig{
		MaxOpenConns:    a.Config.Database.MaxOpenConns,
		MaxIdleConns:    a.Config.Database.MaxIdleConns,
		ConnMaxLifetime: a.Config.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	a.DB = database.New(db, "postgres", a.Logger)
	a.closers = append(a.closers, a.DB.Close)

	a.Sessions = repo.NewSessionRepo(db)
	a.Correlations = repo.NewCorrelationRepo(db)
	a.Webhooks = repo.NewWebhookRepo(db)
	a.Ledger = repo.NewSaleLedger(db)
	a.Logger.Info().Msg("connected to postgres")
	return nil
}

func (a *App) openCache(ctx context.Context) error {
	rc := a.Config.Redis
	if rc.Addr == "" {
		m := cache.NewMemory()
		m.StartCleanupRoutine(time.Minute)
		a.Cache = m
		a.closers = append(a.closers, m.Close)
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("connecting to redis %s: %w", rc.Addr, err)
	}
	a.Cache = cache.NewRedis(client, "terminal-recon:")
	a.closers = append(a.closers, client.Close)
	a.Logger.Info().Str("addr", rc.Addr).Msg("connected to redis")
	return nil
}

func (a *App) newGateway() payment.Gateway {
	gc := a.Config.Gateway
	if gc.Mock {
		a.Logger.Warn().Msg("using mock terminal gateway")
		return payment.NewMockGateway()
	}
	return payment.NewValorClient(payment.ValorConfig{
		Env:        gc.Env,
		BaseURL:    gc.BaseURL,
		PublishURL: gc.PublishURL,
		ChannelID:  gc.ChannelID,
		AppID:      gc.AppID,
		AppKey:     gc.AppKey,
		EPI:        gc.EPI,
		Timeout:    gc.Timeout,
	}, a.Logger)
}

// Server returns the HTTP API over this app's components.
func (a *App) Server() *server.Server {
	svc := server.Services{
		Publisher: a.Publisher,
		Webhooks:  a.Receiver,
		Poller:    a.Poller,
		Finalizer: a.Finalizer,
		Sweeper:   a.Sweeper,
		DB:        a.DB,
	}
	if d, ok := a.Gateway.(server.Diagnoser); ok {
		svc.Diagnoser = d
	}
	return server.New(svc, server.Options{
		CORSOrigins:   a.Config.Server.CORSOrigins,
		WebhookSecret: a.Config.Gateway.WebhookSecret,
		Metrics:       a.Metrics,
		Gatherer:      a.Registry,
	}, a.Logger)
}

// Relay builds the webhook edge forwarding to relay.target.
func Relay(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*relay.Relay, error) {
	if cfg.Relay.Target == "" {
		return nil, fmt.Errorf("%w: relay.target is required", config.ErrInvalid)
	}
	fwd := relay.NewForwarder(cfg.Relay.Target, cfg.Relay.Delays, cfg.Gateway.Timeout, m, logger)
	return relay.New(ctx, fwd, "terminal-recon", logger), nil
}

// Close releases the database, cache and background routines.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
