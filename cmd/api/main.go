package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"authlink.org/internal/auth"
	"authlink.org/internal/claims"
	"authlink.org/internal/codes"
	"authlink.org/internal/config"
	"authlink.org/internal/httpapi"
	"authlink.org/internal/identity"
	"authlink.org/internal/merge"
	"authlink.org/internal/migrate"
	"authlink.org/internal/obs"
	"authlink.org/internal/session"
	"authlink.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to $AUTHLINK_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store     identity.Store
		codeStore codes.Store
		readiness httpapi.ReadyCheck
		pgStore   *pg.Store
	)
	if cfg.PGDSN != "" {
		pgStore, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		if cfg.AutoMigrate {
			migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := migrate.NewManager(pgStore.DB()).Up(migrateCtx)
			cancel()
			if err != nil {
				log.Fatalf("migrate: %v", err)
			}
		}
		store, codeStore = pgStore, pgStore
		readiness = httpapi.ReadyCheck{DB: pgStore.DB()}
	} else {
		obs.Info("memory_store", map[string]any{"reason": "pg_dsn not set"})
		store, codeStore = identity.NewMemoryStore(), codes.NewMemoryStore()
	}

	var gen codes.Generator = codes.RandomGenerator{Digits: cfg.Codes.Digits}
	if cfg.Codes.Fixed != "" {
		gen = codes.FixedGenerator(cfg.Codes.Fixed)
	}
	if cfg.Codes.LogPlaintext {
		obs.Log("warn", "confirmation_codes_logged_in_plaintext", map[string]any{"persistent_store": cfg.PGDSN != ""})
	}
	issuer := codes.NewIssuer(codeStore,
		codes.WithGenerator(gen),
		codes.WithSender(codes.LogSender{Reveal: cfg.Codes.LogPlaintext}),
		codes.WithTTL(cfg.Codes.TTL),
		codes.WithCooldown(cfg.Codes.Cooldown),
	)

	hasher := auth.Bcrypt{}
	claimOpts := []claims.Option{
		claims.WithSecretVerifier(hasher),
		claims.WithTokenVerifier(providers(cfg.Providers)),
	}
	if cfg.Codes.ClaimWindow > 0 {
		claimOpts = append(claimOpts, claims.WithClaimWindow(cfg.Codes.ClaimWindow))
	}
	resolver := claims.New(store, issuer, merge.New(store), claimOpts...)

	sessOpts := []session.Option{
		session.WithIssuer(cfg.Session.Issuer),
		session.WithTTL(cfg.Session.TTL),
		session.WithSecretVerifier(hasher),
	}
	if cfg.Session.PrivateKeyPEM != "" {
		sessOpts = append(sessOpts, session.WithRS256Keys(cfg.Session.PrivateKeyPEM, cfg.Session.PublicKeyPEM))
	} else {
		sessOpts = append(sessOpts, session.WithTokenSecret(cfg.Session.Secret))
	}
	if cfg.Session.KeyID != "" {
		sessOpts = append(sessOpts, session.WithKeyID(cfg.Session.KeyID))
	}
	sessions, err := session.New(store, sessOpts...)
	if err != nil {
		log.Fatalf("session service: %v", err)
	}

	// HTTP API
	api := httpapi.New(readiness, version, sessions, resolver,
		httpapi.WithRateLimit(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithTrustedProxy(cfg.RateLimit.TrustProxy),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC health
	health := httpapi.NewGRPCHealth(readiness)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	go health.Run(ctx, 10*time.Second)
	go identity.RunSweeper(ctx, store, cfg.SweepEvery, cfg.PendingTTL)

	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	obs.Info("server_started", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"postgres":  pgStore != nil,
	})

	<-ctx.Done()
	obs.Info("server_stopping", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if pgStore != nil {
		_ = pgStore.Close()
	}
	obs.Info("server_stopped", nil)
}

// providers builds the social token verifier from the configured secrets.
// Types without a secret reject every token.
func providers(cfg config.ProvidersConfig) auth.TokenVerifier {
	secrets := map[identity.Type]string{}
	if cfg.GoogleSecret != "" {
		secrets[identity.TypeGoogle] = cfg.GoogleSecret
	}
	if cfg.AppleSecret != "" {
		secrets[identity.TypeApple] = cfg.AppleSecret
	}
	if cfg.FacebookSecret != "" {
		secrets[identity.TypeFacebook] = cfg.FacebookSecret
	}
	var opts []auth.JWTProviderOption
	if cfg.Audience != "" {
		opts = append(opts, auth.WithAudience(cfg.Audience))
	}
	v := auth.NewJWTProviderVerifier(secrets, opts...)
	out := auth.Providers{}
	for t := range secrets {
		out[t] = v
	}
	return out
}
