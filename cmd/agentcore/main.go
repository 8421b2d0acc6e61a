// Command agentcore runs the real-time telephony AI agent core: it loads
// configuration, wires every capability adapter and core component via
// internal/app, and serves until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agent-handwerk/callcore/internal/app"
	"github.com/agent-handwerk/callcore/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentcore:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	a, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("constructing application: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(a.MetricsCollector())
	go serveMetrics(registry, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("agentcore starting", "http_port", cfg.HTTPPort)
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("running application: %w", err)
	}

	logger.Info("agentcore stopped")
	return nil
}

// serveMetrics runs a small dedicated HTTP server for Prometheus scraping,
// separate from the main app's HTTP server so a metrics-only operator can
// firewall it independently.
func serveMetrics(registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(":9090", mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server stopped", "error", err)
	}
}
