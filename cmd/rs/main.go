// Package main is the entry point for the AAP Resource Server. It wires
// token validation, capability matching, constraint enforcement, and the
// oversight gate in front of a small set of demo tool endpoints and starts
// the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/aap/internal/config"
	"github.com/pitabwire/aap/internal/enforcer"
	"github.com/pitabwire/aap/internal/jwks"
	"github.com/pitabwire/aap/internal/observability"
	"github.com/pitabwire/aap/internal/oversight"
	"github.com/pitabwire/aap/internal/transport"
	"github.com/pitabwire/aap/internal/validator"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	if err := cfg.ValidateRS(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Tracing, "aap-rs", version)
	if err != nil {
		logger.Fatal("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	jwksURL := cfg.Issuer + "/.well-known/jwks.json"
	jwksClient := jwks.NewClient(jwksURL, time.Hour)

	tokenValidator := validator.New(jwksClient, cfg.RS.Audience, cfg.RS.TrustedIssuers, 5*time.Minute)

	store, storeCloser, err := buildConstraintStore(cfg.RateLimit)
	if err != nil {
		logger.Fatal("constraint store initialization failed", zap.Error(err))
		return 1
	}
	rateEnforcer := enforcer.NewEnforcer(store)
	oversightGate := oversight.NewGate()

	authorizer := &transport.Authorizer{
		Validator: tokenValidator,
		Enforcer:  rateEnforcer,
		Oversight: oversightGate,
	}

	readinessChecks := observability.ReadinessChecks{
		SigningKeyLoaded: func() bool { return true },
		JWKSSource:       jwksClient,
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readinessChecks.ConstraintStore = hc
	}

	router := transport.NewRSRouter(cfg.Server.CORS, transport.RSDependencies{
		Authorizer: authorizer,
	}, metrics, observability.HandleReady(readinessChecks))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.RS.Host, cfg.RS.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("resource server started",
		zap.String("addr", srv.Addr),
		zap.String("audience", cfg.RS.Audience),
		zap.Strings("trusted_issuers", cfg.RS.TrustedIssuers),
		zap.String("version", version),
		zap.String("commit", commit),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if storeCloser != nil {
		storeCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildConstraintStore creates the rate-limit counter backend named by
// cfg.Store ("memory" or "redis").
func buildConstraintStore(cfg config.RateLimitConfig) (enforcer.Store, func(), error) {
	switch cfg.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		return enforcer.NewRedisStore(client), func() { client.Close() }, nil
	case "memory", "":
		return enforcer.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported rate limit store %q", cfg.Store)
	}
}
