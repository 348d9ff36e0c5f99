package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"

	oauth "github.com/vilanovax/bizbuzz-auth"
	"github.com/vilanovax/bizbuzz-auth/instrumentation"
	"github.com/vilanovax/bizbuzz-auth/security"
	"github.com/vilanovax/bizbuzz-auth/server"
	"github.com/vilanovax/bizbuzz-auth/storage"
	"github.com/vilanovax/bizbuzz-auth/storage/memory"
	"github.com/vilanovax/bizbuzz-auth/storage/postgres"
)

const (
	pruneInterval = 5 * time.Minute

	// Token endpoint rate limit per client IP.
	rateLimitPerSecond = 10
	rateLimitBurst     = 20
	rateLimitEntries   = 10000

	// Throttle for repeated security-event log lines.
	securityEventsPerSecond = 1
	securityEventsBurst     = 5
)

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	server *server.Server
	logger *slog.Logger
	inst   *instrumentation.Instrumentation

	rateLimiter          *security.RateLimiter
	securityEventLimiter *security.RateLimiter
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	logger, err := newLogger(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "bizbuzz-auth",
		ServiceVersion: "dev",
		Enabled:        c.TelemetryEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("error while initializing instrumentation: %w", err)
	}

	store, err := newStore(ctx, c, logger, inst)
	if err != nil {
		return nil, fmt.Errorf("error while initializing storage: %w", err)
	}

	srv, err := server.New(store, &server.Config{
		Issuer:            c.Issuer,
		IDTokenSigningKey: []byte(c.SigningKey),
		TrustProxy:        c.TrustProxy,
		AllowInsecureHTTP: c.AllowInsecureHTTP,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("error while creating authorization server: %w", err)
	}

	rateLimiter := security.NewRateLimiter(rateLimitPerSecond, rateLimitBurst, rateLimitEntries, logger)
	securityEventLimiter := security.NewRateLimiter(securityEventsPerSecond, securityEventsBurst, 1, logger)

	auditor := security.NewAuditor(logger, true)
	auditor.SetMetrics(inst.Metrics())
	srv.SetAuditor(auditor)
	srv.SetRateLimiter(rateLimiter)
	srv.SetSecurityEventRateLimiter(securityEventLimiter)
	srv.SetInstrumentation(inst)

	handler := oauth.NewHandler(srv, logger)
	handler.SetInstrumentation(inst)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	return &ServerApp{
		ListenAddr:           c.ListenAddr,
		Handler:              security.RequestIDMiddleware(mux),
		server:               srv,
		logger:               logger,
		inst:                 inst,
		rateLimiter:          rateLimiter,
		securityEventLimiter: securityEventLimiter,
	}, nil
}

// Run starts the http server and closes gracefully on context cancellation.
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	go s.pruneLoop(pruneCtx)

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()
		stopPrune()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err)
		}

		s.rateLimiter.Stop()
		s.securityEventLimiter.Stop()
		if err := s.inst.Shutdown(timeoutCtx); err != nil {
			s.logger.Error("Instrumentation shutdown error", "error", err)
		}

		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	s.logger.Info("Starting authorization server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	return err
}

func (s *ServerApp) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.server.PruneExpired(ctx)
		}
	}
}

func newStore(ctx context.Context, c *Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, error) {
	if c.DatabaseDSN != "" {
		pool, err := postgres.ConnectAndMigrate(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		store := postgres.New(pool, logger)
		store.SetInstrumentation(inst)
		return store, nil
	}

	logger.Warn("No database configured, using in-memory store")
	store := memory.New(logger)
	if c.Environment == "development" {
		if err := seedDevData(ctx, store); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// seedDevData registers a demo client and user so the flows are exercisable
// out of the box in development.
func seedDevData(ctx context.Context, store storage.Store) error {
	secretHash, err := bcrypt.GenerateFromPassword([]byte("dev-secret"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	err = store.SaveClient(ctx, &storage.Client{
		ClientID:         "dev-client",
		ClientSecretHash: string(secretHash),
		RedirectURIs:     []string{"http://localhost:3000/callback"},
		AllowedScopes:    []string{"openid", "offline_access", "profile:read", "contact:email"},
		Name:             "Development client",
	})
	if err != nil {
		return err
	}

	return store.SaveUser(ctx, &storage.User{
		ID:            "dev-user",
		Name:          "Sara Ahmadi",
		GivenName:     "Sara",
		FamilyName:    "Ahmadi",
		Email:         "sara@example.com",
		EmailVerified: true,
	})
}

func newLogger(environment, level string) (*slog.Logger, error) {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("unknown log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if environment == "development" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
