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

	"golang.org/x/sync/errgroup"

	"sweepdesk.io/internal/app"
	"sweepdesk.io/internal/config"
	"sweepdesk.io/internal/grpcapi"
	"sweepdesk.io/internal/httpapi"
	"sweepdesk.io/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const shutdownBudget = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("SWEEPDESK_CONFIG"), "Path to a YAML config file")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := run(cfg); err != nil {
		obs.Error("server_failed", map[string]any{"error": err})
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			obs.Warn("close_failed", map[string]any{"error": err})
		}
	}()

	trusted, err := cfg.ProxyPrefixes()
	if err != nil {
		return err
	}
	api, err := httpapi.New(a.Core,
		httpapi.WithVersion(version),
		httpapi.WithProbes(httpapi.Probe{Name: "storage", Check: a.Ready}),
		httpapi.WithAuditReader(a.Audit),
		httpapi.WithTrustedProxies(trusted),
		httpapi.WithRateLimit(cfg.HTTPRatePerSecond, cfg.HTTPRateBurst),
	)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv, health, err := grpcapi.NewServer(a.Core)
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	obs.Info("server_starting", map[string]any{
		"version": version, "http_addr": cfg.HTTPAddr, "grpc_addr": cfg.GRPCAddr,
		"environment": cfg.Environment, "postgres": a.Gateway != nil,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return grpcSrv.Serve(lis) })
	g.Go(func() error { return a.SweepSessions(gctx, cfg.SessionSweepInterval) })
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("server_stopping", nil)
		health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	obs.Info("server_stopped", nil)
	return nil
}
