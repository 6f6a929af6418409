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

	"aarna.eco/internal/auth"
	"aarna.eco/internal/config"
	"aarna.eco/internal/host"
	"aarna.eco/internal/httpapi"
	"aarna.eco/internal/ledger"
	"aarna.eco/internal/obs"
	"aarna.eco/internal/registry"
	"aarna.eco/internal/rpc"
	"aarna.eco/internal/store/pg"
	"aarna.eco/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("AARNA_CONFIG"), "Path to YAML config")
		envFile    = flag.String("env", ".env", "Optional .env file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		backend host.Backend
		ready   httpapi.ReadyProbe
		store   *pg.Store
	)
	if cfg.Postgres.DSN != "" {
		store, err = pg.Open(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		backend = store
		ready = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		obs.Info("using_memory_ledger", map[string]any{"reason": "AARNA_PG_DSN not set"})
		backend = host.NewMemory(ledger.NewInMemory())
	}

	events := stream.New()
	h, err := host.New(ctx, backend, registry.Identity(cfg.Contract.Address), cfg.Registry(), host.WithStream(events))
	if err != nil {
		log.Fatalf("load contract: %v", err)
	}
	if cfg.Contract.AutoDeploy && !h.Deployed() {
		if _, err := h.Deploy(ctx, registry.Identity(cfg.Contract.Creator)); err != nil && !errors.Is(err, host.ErrAlreadyDeployed) {
			log.Fatalf("deploy: %v", err)
		}
		obs.Info("contract_deployed", map[string]any{"contract": cfg.Contract.Address, "admin": cfg.Contract.Creator})
	}

	var signer *auth.Signer
	if cfg.Auth.Secret != "" {
		signer, err = auth.NewSigner(cfg.Auth.Secret, cfg.Auth.Issuer)
		if err != nil {
			log.Fatalf("auth: %v", err)
		}
	} else {
		obs.Info("auth_disabled", map[string]any{"reason": "AARNA_AUTH_SECRET not set; writes will be rejected"})
	}

	api := httpapi.New(httpapi.Options{
		Version:      version,
		Ready:        ready,
		Host:         h,
		Signer:       signer,
		Stream:       events,
		IssueTokens:  cfg.Auth.IssueTokens,
		TokenTTL:     cfg.Auth.TokenTTL,
		Faucet:       cfg.Faucet.Enabled,
		FaucetMax:    cfg.Faucet.Max,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		RateBurst:    cfg.HTTP.RateBurst,
		RatePerSec:   cfg.HTTP.RateRPS,
		CORSOrigins:  cfg.HTTP.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	rpcSrv := rpc.NewServer(h, ready)
	grpcSrv := rpc.NewGRPCServer(rpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	go func() {
		log.Printf("Starting aarnad %s on %s (grpc %s)", version, srv.Addr, cfg.GRPC.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()
	go healthLoop(ctx, rpcSrv, 10*time.Second)

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rpcSrv.Shutdown()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}

// healthLoop refreshes the gRPC health status until ctx is done.
func healthLoop(ctx context.Context, s *rpc.Server, every time.Duration) {
	check := func() {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		s.UpdateHealth(cctx)
	}
	check()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}
