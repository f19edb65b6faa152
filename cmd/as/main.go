// Package main is the entry point for the AAP Authorization Server.
// It wires the policy engine, token issuer, and JWKS publisher together
// and starts the HTTP server.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/aap/internal/config"
	"github.com/pitabwire/aap/internal/issuer"
	"github.com/pitabwire/aap/internal/jwks"
	"github.com/pitabwire/aap/internal/observability"
	"github.com/pitabwire/aap/internal/policy"
	"github.com/pitabwire/aap/internal/transport"
	"github.com/pitabwire/aap/internal/validator"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
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
	if err := cfg.ValidateAS(); err != nil {
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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Tracing, "aap-as", version)
	if err != nil {
		logger.Fatal("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	privKey, pubKey, signingMethod, err := loadSigningKey(cfg.Signing)
	if err != nil {
		logger.Fatal("signing key load failed", zap.Error(err))
		return 1
	}

	policyEngine, err := policy.NewEngine(cfg.Policy.Path)
	if err != nil {
		logger.Fatal("policy engine initialization failed", zap.Error(err))
		return 1
	}
	metrics.SetPoliciesLoaded(float64(policyEngine.Count()))

	keySet := jwks.NewKeySet(cfg.Signing.KeyID, cfg.Signing.Algorithm, pubKey)

	// The issuer validates its own previously-issued tokens during token
	// exchange, so it fetches its signing key back from its own JWKS
	// document rather than trusting an in-process shortcut.
	selfJWKSURL := cfg.Issuer + "/.well-known/jwks.json"
	selfJWKSClient := jwks.NewClient(selfJWKSURL, time.Hour)
	selfValidator := validator.New(selfJWKSClient, "", []string{cfg.Issuer}, 5*time.Minute)

	tokenIssuer := issuer.New(
		policyEngine,
		selfValidator,
		privKey,
		signingMethod,
		cfg.Signing.KeyID,
		cfg.Issuer,
		cfg.Policy.DelegatedLifetimeReduction,
	)

	clientStore := issuer.NewStaticClientStore(cfg.StaticClient.ClientID, cfg.StaticClient.ClientSecret)

	readinessChecks := observability.ReadinessChecks{
		SigningKeyLoaded: func() bool { return privKey != nil },
		PolicyEngine:     policyEngine,
	}

	router := transport.NewASRouter(cfg.Server.CORS, transport.ASDependencies{
		Issuer:     tokenIssuer,
		Clients:    clientStore,
		KeySet:     keySet,
		IssuerName: cfg.Issuer,
		TokenPath:  "/token",
	}, metrics, observability.HandleReady(readinessChecks))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.AS.Host, cfg.AS.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Reloading the policy directory on SIGHUP lets operator policy
	// changes take effect without a restart.
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	reloadDone := make(chan struct{})
	go func() {
		defer close(reloadDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				if err := policyEngine.Reload(cfg.Policy.Path); err != nil {
					logger.Error("policy reload failed", zap.Error(err))
					metrics.RecordPolicyReload("error")
					continue
				}
				logger.Info("policy reloaded", zap.String("path", cfg.Policy.Path))
				metrics.RecordPolicyReload("ok")
			}
		}
	}()

	logger.Info("authorization server started",
		zap.String("addr", srv.Addr),
		zap.String("issuer", cfg.Issuer),
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

	stop()
	<-reloadDone

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// loadSigningKey reads the PEM-encoded private (and, if configured, public)
// key material for cfg.Algorithm and returns the parsed private key, its
// matching public key, and the jwt.SigningMethod to sign with.
func loadSigningKey(cfg config.SigningConfig) (any, any, jwt.SigningMethod, error) {
	privPEM, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, nil, nil, fmt.Errorf("no PEM block found in %s", cfg.PrivateKeyPath)
	}

	switch cfg.Algorithm {
	case "RS256":
		key, err := parseRSAPrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, nil, err
		}
		return key, &key.PublicKey, jwt.SigningMethodRS256, nil
	case "ES256":
		key, err := parseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, nil, err
		}
		return key, &key.PublicKey, jwt.SigningMethodES256, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing RSA private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PKCS8 key is not an RSA private key")
	}
	return rsaKey, nil
}

func parseECPrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing EC private key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PKCS8 key is not an EC private key")
	}
	return ecKey, nil
}
