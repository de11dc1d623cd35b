// Package credserver wires configuration, stores, counters and services into
// a runnable credd process.
package credserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"defidash/go-backend/internal/adapters/httpapi"
	"defidash/go-backend/internal/audit"
	"defidash/go-backend/internal/config"
	"defidash/go-backend/internal/guard"
	"defidash/go-backend/internal/keys"
	"defidash/go-backend/internal/metrics"
	"defidash/go-backend/internal/platform/ratelimiter"
	"defidash/go-backend/internal/securestore"
	"defidash/go-backend/internal/storage"
	"defidash/go-backend/internal/storage/postgres"
	"defidash/go-backend/internal/storage/rediscounter"
	"defidash/go-backend/internal/wallet"
)

const (
	limiterIdleTTL     = 10 * time.Minute
	shutdownTimeout    = 5 * time.Second
	usageFlushInterval = 5 * time.Second
)

// CredentialStore is what a record backend has to provide.
type CredentialStore interface {
	keys.Store
	keys.UsageSource
	wallet.Store
}

type usageFlusher interface {
	FlushUsage(ctx context.Context) error
	Close() error
}

type App struct {
	Server  *httpapi.Server
	Keys    *keys.Manager
	Wallets *wallet.Service
	Guard   *guard.Guard
	Metrics *metrics.Metrics

	logger  *slog.Logger
	audit   *audit.Dispatcher
	closers []func() error
}

// Build loads the master key first so a bad key stops startup before any
// backend is touched.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	return BuildWithKeySource(ctx, cfg, logger, securestore.EnvKeySource{Name: cfg.MasterKeyEnv})
}

func BuildWithKeySource(ctx context.Context, cfg config.Config, logger *slog.Logger, src securestore.KeySource) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	holder := securestore.NewKeyHolder(src)
	mk, err := holder.Key(ctx)
	if err != nil {
		return nil, err
	}
	tiers, err := cfg.TierTable()
	if err != nil {
		return nil, err
	}

	app := &App{logger: logger, Metrics: metrics.New(true)}
	var health []httpapi.Pinger

	var store CredentialStore
	switch cfg.StoreBackend {
	case config.StoreMemory:
		logger.Warn("credential store is in memory; keys are lost on restart")
		store = storage.NewCredentialStore()
	case config.StoreFile:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		fileStore, err := storage.NewEncryptedCredentialStore(cfg.CredentialsPath(), mk)
		if err != nil {
			return nil, fmt.Errorf("open credential store: %w", err)
		}
		store = fileStore
		app.closers = append(app.closers, app.flushUsageEvery(fileStore, usageFlushInterval))
	case config.StorePostgres:
		pg, err := postgres.Open(ctx, postgres.Options{DSN: cfg.PostgresDSN, MaxOpenConns: 16, MaxIdleConns: 4, ConnMaxLifetime: 30 * time.Minute})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errStartup, err)
		}
		store = pg
		health = append(health, pg)
		app.closers = append(app.closers, pg.Close)
	}

	var usage keys.UsageCounter
	switch cfg.CounterBackend {
	case config.CounterMemory:
		mem := storage.NewUsageCounter()
		if err := mem.SeedFrom(ctx, store, keys.Period(time.Now())); err != nil {
			app.close()
			return nil, fmt.Errorf("%w: seed usage counter: %v", errStartup, err)
		}
		usage = mem
	case config.CounterRedis:
		rc, err := rediscounter.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("%w: %v", errStartup, err)
		}
		usage = rc
		health = append(health, rc)
		app.closers = append(app.closers, rc.Close)
	}

	app.audit = audit.NewDispatcher(audit.LogSink{Logger: logger.With("component", "audit")}, logger, audit.DispatcherOptions{
		QueueSize: cfg.AuditQueueSize,
		OnFailure: app.Metrics.AuditFailed,
	})

	app.Keys, err = keys.NewManager(keys.Options{
		Store:        store,
		Tiers:        tiers,
		Usage:        usage,
		Audit:        app.audit,
		Metrics:      app.Metrics,
		Logger:       logger,
		StoreTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		app.close()
		return nil, err
	}
	app.Guard, err = guard.New(guard.Options{
		Store:        store,
		Usage:        usage,
		Tiers:        tiers,
		Limiter:      ratelimiter.New(limiterIdleTTL),
		Scope:        guard.RateScope(cfg.RateLimitScope),
		StoreTimeout: cfg.StoreTimeout,
		Metrics:      app.Metrics,
		Logger:       logger,
	})
	if err != nil {
		app.close()
		return nil, err
	}
	app.Wallets = &wallet.Service{
		Issuer:  wallet.NewIssuer(holder),
		Store:   store,
		Audit:   app.audit,
		Metrics: app.Metrics,
		Logger:  logger,
		Timeout: cfg.StoreTimeout,
	}

	app.Server = httpapi.NewServer(cfg.ListenAddr, httpapi.Deps{
		Keys:    app.Keys,
		Wallets: app.Wallets,
		Guard:   app.Guard,
		Tiers:   tiers,
		Metrics: app.Metrics.Handler(),
		Health:  health,
		Logger:  logger,
	})
	logger.Info("credential core configured",
		"listen_addr", cfg.ListenAddr,
		"store", cfg.StoreBackend,
		"counter", cfg.CounterBackend,
		"rate_limit_scope", cfg.RateLimitScope,
		"tiers", tiers.IDs(),
	)
	return app, nil
}

var errStartup = errors.New("backend unavailable at startup")

// flushUsageEvery writes pending usage on a ticker. The returned closer stops
// the loop and flushes once more.
func (a *App) flushUsageEvery(s usageFlusher, every time.Duration) func() error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.FlushUsage(context.Background()); err != nil {
					a.logger.Warn("usage flush failed", "error", err)
				}
			}
		}
	}()
	return func() error {
		close(stop)
		<-done
		return s.Close()
	}
}

// Run serves until ctx ends, then drains audit events and closes backends.
func (a *App) Run(ctx context.Context) error {
	err := a.Server.Run(ctx)
	a.close()
	return err
}

func (a *App) close() {
	if a.audit != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.audit.Close(shutdownCtx); err != nil {
			a.logger.Warn("audit queue not drained", "error", err)
		}
		cancel()
		a.audit = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("backend close failed", "error", err)
		}
	}
	a.closers = nil
}
