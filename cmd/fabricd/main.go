// fabricd is the multi-project gateway daemon. It keeps the project
// registry, supervises per-project MCP connections and background jobs, and
// serves the REST + WebSocket API the dashboard consumes.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"govfabric/internal/config"
	"govfabric/internal/gateway"
	"govfabric/internal/logging"
)

func main() {
	args := logging.Init(os.Args[1:])
	fs := flag.NewFlagSet("fabricd", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("FABRIC_CONFIG"), "config file path")
	listenAddr := fs.String("listen", "", "listen address (overrides config)")
	fs.Parse(args) //nolint:errcheck

	cfg, err := config.Load(*configPath, config.ProjectDir())
	if err != nil {
		slog.Error("fabricd: config load failed", "err", err)
		os.Exit(1)
	}
	addr := cfg.Gateway.ListenAddr
	if *listenAddr != "" {
		addr = *listenAddr
	}

	// Gateway state is global, not per-project: it lives beside the registry.
	gatewayDir := filepath.Dir(cfg.Gateway.RegistryPath)
	if err := os.MkdirAll(gatewayDir, 0755); err != nil {
		slog.Error("fabricd: gateway directory", "err", err)
		os.Exit(1)
	}

	token, err := gateway.LoadOrCreateToken(filepath.Join(gatewayDir, "gateway-token"))
	if err != nil {
		slog.Error("fabricd: token setup failed", "err", err)
		os.Exit(1)
	}

	registry, err := gateway.NewRegistry(cfg.Gateway.RegistryPath, cfg.Gateway.BasePort)
	if err != nil {
		slog.Error("fabricd: registry load failed", "err", err)
		os.Exit(1)
	}

	manager := gateway.NewProjectManager(registry, gatewayDir, cfg.Models.CLIPath,
		time.Duration(cfg.Gateway.JobTimeoutSeconds)*time.Second)
	ws := gateway.NewWSManager(manager, time.Duration(cfg.Gateway.PollSeconds)*time.Second)
	srv := gateway.NewServer(manager, ws, token)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		slog.Info("fabricd: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
		manager.StopAll()
	}()

	slog.Info("fabricd: listening", "addr", addr, "registry", cfg.Gateway.RegistryPath)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("fabricd: server failed", "err", err)
		os.Exit(1)
	}
}
