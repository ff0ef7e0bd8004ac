package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reverseproxy/tunnelgw/internal/eventbus"
	"github.com/reverseproxy/tunnelgw/internal/gateway"
	"github.com/reverseproxy/tunnelgw/internal/inspector"
	"github.com/reverseproxy/tunnelgw/internal/management"
	"github.com/reverseproxy/tunnelgw/internal/metrics"
	"github.com/reverseproxy/tunnelgw/internal/ratelimit"
	"github.com/reverseproxy/tunnelgw/internal/replay"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to gateway configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := eventbus.New()
	registry := gateway.NewRegistry(bus, cfg.Subdomain.Reserved)
	forwarder := gateway.NewForwarder(registry, bus, cfg.Tunnel.RequestTimeout)
	access := ratelimit.NewAccessGuard(cfg.RateLimit.AllowCIDRs, cfg.RateLimit.DenyCIDRs)
	control := gateway.NewControlServer(registry, cfg.Tunnel.Apex, cfg.Auth.SharedSecret, access)

	store := inspector.NewStore(bus, cfg.Inspector.MaxStored, cfg.Inspector.Retention)
	go store.Run(ctx)

	engine := replay.NewEngine(store, registry, forwarder)
	collector := metrics.New(bus)
	go collector.Run(ctx)

	managementRouter := management.New(registry, store, engine, collector)
	ingress := gateway.NewIngress(forwarder, registry, cfg, managementRouter, access)

	managementSrv := &http.Server{Addr: cfg.Management.Addr, Handler: managementRouter}
	go func() {
		slog.Info("management surface starting", "addr", cfg.Management.Addr)
		if err := managementSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("management surface exited", "err", err)
		}
	}()

	controlSrv := &http.Server{Addr: cfg.Listen.ControlAddr, Handler: controlMux(cfg, control)}
	go func() {
		slog.Info("control channel listening", "addr", cfg.Listen.ControlAddr, "path", cfg.Tunnel.Path)
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("control server exited", "err", err)
		}
	}()

	publicSrv := &http.Server{Addr: cfg.Listen.PublicAddr, Handler: ingress}
	go func() {
		slog.Info("public ingress listening", "addr", cfg.Listen.PublicAddr, "tls", cfg.TLS.Enabled)
		var err error
		if cfg.TLS.Enabled {
			err = publicSrv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = publicSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("public ingress exited", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	registry.CloseAll("gateway shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	publicSrv.Shutdown(shutdownCtx)
	controlSrv.Shutdown(shutdownCtx)
	managementSrv.Shutdown(shutdownCtx)
}

func controlMux(cfg *gateway.Config, control *gateway.ControlServer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(cfg.Tunnel.Path, control)
	return mux
}
