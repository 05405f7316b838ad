package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/config"
	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/observability/logging"
	"e2ee-relay/internal/observability/metrics"
	"e2ee-relay/internal/service"
	"e2ee-relay/internal/store"
	"e2ee-relay/internal/store/cache"
	"e2ee-relay/internal/store/memory"
	transport "e2ee-relay/internal/transport/http"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg := config.Load()

	logger, logCloser := logging.NewLogger(logging.Config{
		ServiceName: "relay",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
		MaxSizeMB:   cfg.LogMaxSizeMB,
		MaxBackups:  cfg.LogMaxBackups,
		MaxAgeDays:  cfg.LogMaxAgeDays,
	})
	defer logCloser.Close()

	slog.SetDefault(logger)
	metrics.MustRegister(prometheus.DefaultRegisterer, "relay")

	logger.Info("starting service", "driver", cfg.DatabaseDriver)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		_ = logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, health, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("closing store", "error", err)
		}
	}()

	verifier, closeVerifier, err := buildVerifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeVerifier()

	svc := service.New(st, service.Options{
		StoreTimeout:        cfg.StoreTimeout,
		MaxCiphertextBytes:  cfg.MaxCiphertextBytes,
		MaxPreKeysPerUpload: cfg.MaxPreKeysPerUpload,
		VerifySignedPreKey:  cfg.VerifySignedPreKey,
		PreKeyRetention:     cfg.PreKeyRetention,
	})
	go svc.RunJanitor(ctx, cfg.PreKeyJanitorInterval)

	mux := transport.NewRouter(svc, transport.Options{
		Verifier:           verifier,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		CORSOrigins:        cfg.CORSOrigins,
		WSPollInterval:     cfg.WSPollInterval,
		Health:             health,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", cfg.Addr, "auth", fmt.Sprint(verifier))
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

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore builds the backing store for the configured driver, optionally
// fronted by the Redis device cache.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (domain.Store, func(context.Context) error, func() error, error) {
	var (
		st       domain.Store
		health   func(context.Context) error
		closeFns []func() error
	)

	if cfg.DatabaseDriver == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		st = memory.New()
	} else {
		db, closeDB, err := store.Open(ctx, store.DBConfig{
			Driver:  cfg.DatabaseDriver,
			DSN:     cfg.DatabaseURL,
			Migrate: cfg.DatabaseMigrate,
			LogSQL:  cfg.LogLevel == "debug",
		})
		if err != nil {
			return nil, nil, nil, err
		}
		st = db
		health = db.Ping
		closeFns = append(closeFns, closeDB)
	}

	if cfg.RedisAddr != "" {
		rdb, err := cache.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			for _, fn := range closeFns {
				_ = fn()
			}
			return nil, nil, nil, err
		}
		logger.Info("device cache enabled", "redis", cfg.RedisAddr, "ttl", cfg.DeviceCacheTTL)
		st = cache.New(st, rdb, cfg.DeviceCacheTTL, logger)
		closeFns = append(closeFns, rdb.Close)
	}

	closeAll := func() error {
		var errs []error
		for i := len(closeFns) - 1; i >= 0; i-- {
			errs = append(errs, closeFns[i]())
		}
		return errors.Join(errs...)
	}
	return st, health, closeAll, nil
}

// buildVerifier chains every configured token check: the shared HS256
// secret first, then JWKS, then the remote auth service.
func buildVerifier(ctx context.Context, cfg config.Config, logger *slog.Logger) (auth.Verifier, func(), error) {
	var (
		chain   auth.Chain
		closeFn = func() {}
	)
	if cfg.JWTSecret != "" {
		chain = append(chain, auth.NewHMACVerifier(cfg.JWTSecret, cfg.JWTIssuer))
	}
	if cfg.JWKSURL != "" {
		jv, err := auth.NewJWKSVerifier(ctx, cfg.JWKSURL, cfg.JWTIssuer)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, jv)
		closeFn = jv.Close
	}
	if len(chain) == 0 {
		logger.Warn("no local token validation configured; delegating to auth service", "auth_base_url", cfg.AuthBaseURL)
		chain = append(chain, auth.NewRemoteVerifier(cfg.AuthBaseURL))
	}
	return chain, closeFn, nil
}
