package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kaarya.org/internal/audit"
	"kaarya.org/internal/auth"
	"kaarya.org/internal/config"
	"kaarya.org/internal/httpapi"
	"kaarya.org/internal/obs"
	"kaarya.org/internal/registration"
	"kaarya.org/internal/tenant"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	b, err := openBackends(cfg)
	if err != nil {
		log.Fatalf("open backends: %v", err)
	}
	defer b.Close()

	hasher := auth.NewBcryptHasher(cfg.BcryptCost)
	dispatcher := audit.NewDispatcher(b.audit, cfg.AuditBuffer)

	authSvc, err := auth.NewService(cfg.AuthSecret, b.tokens, b.sessions, b.store,
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithSessionTTL(cfg.SessionTTL),
		auth.WithRevocationCheck(cfg.EnforceRevocation),
		auth.WithAuditor(dispatcher),
		auth.WithPasswordVerifier(hasher),
	)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	api := httpapi.New(b.ready, version, httpapi.Services{
		Auth:         authSvc,
		Tenants:      tenant.NewService(b.store, hasher),
		Registration: registration.New(b.store, hasher, authSvc),
	},
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithSecureCookies(cfg.CookieSecure),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithTrustedProxies(proxies),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := httpapi.NewHealthServer(b.ready)
	grpcSrv := httpapi.NewGRPCServer(health)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go health.Run(ctx, 5*time.Second)
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			obs.Error("grpc serve failed", map[string]any{"error": err})
		}
	}()

	obs.Info("starting kaarya-api", map[string]any{
		"version":         version,
		"http_addr":       srv.Addr,
		"grpc_addr":       cfg.GRPCAddr,
		"session_backend": cfg.SessionBackend,
		"postgres":        b.pg != nil,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	dispatcher.Close()
	obs.Info("stopped", nil)
}
