// Command llama-nexus runs the gateway process: it loads the TOML
// configuration, wires every internal component together, and serves the
// admin and data-plane HTTP surface until it receives a termination
// signal, generalizing the teacher's main.go flag-driven bootstrap.
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

	"go.uber.org/zap"

	"github.com/llama-nexus/llama-nexus/internal/api"
	"github.com/llama-nexus/llama-nexus/internal/config"
	"github.com/llama-nexus/llama-nexus/internal/health"
	"github.com/llama-nexus/llama-nexus/internal/logging"
	"github.com/llama-nexus/llama-nexus/internal/mcp"
	"github.com/llama-nexus/llama-nexus/internal/memory"
	"github.com/llama-nexus/llama-nexus/internal/metrics"
	"github.com/llama-nexus/llama-nexus/internal/proxy"
	"github.com/llama-nexus/llama-nexus/internal/rag"
	"github.com/llama-nexus/llama-nexus/internal/registry"
	"github.com/llama-nexus/llama-nexus/internal/toolloop"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "./llama-nexus.toml", "Path to the TOML configuration file")
	checkHealth := flag.Bool("check-health", true, "Run the background health watchdog")
	checkHealthInterval := flag.Int("check-health-interval", 0, "Override the watchdog's probe interval, in seconds (0 = use config)")
	webUIDir := flag.String("web-ui", "chatbot-ui", "Directory to serve a static web UI from, with SPA fallback")
	logDestination := flag.String("log-destination", "stdout", "Log destination: stdout, file, or both")
	logFile := flag.String("log-file", "./llama-nexus.log", "Log file path, when --log-destination is file or both")
	showVersion := flag.Bool("V", false, "Print the version and exit")
	flag.BoolVar(showVersion, "version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("llama-nexus", version)
		return
	}

	log, err := logging.New(logging.Destination(*logDestination), *logFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging setup failed:", err)
		os.Exit(2)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", zap.Error(err))
		os.Exit(2)
	}

	if err := run(cfg, *checkHealth, *checkHealthInterval, *webUIDir, log); err != nil {
		log.Error("llama-nexus exited with an error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, checkHealth bool, checkHealthIntervalOverride int, webUIDir string, log *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := registry.New()
	for _, b := range cfg.Backends {
		if _, err := reg.Register(b.URL, registry.Kind(b.Kind), b.APIKey); err != nil {
			return fmt.Errorf("seeding backend %s: %w", b.URL, err)
		}
	}

	if checkHealth {
		interval := time.Duration(cfg.HealthCheck.IntervalSeconds) * time.Second
		if checkHealthIntervalOverride > 0 {
			interval = time.Duration(checkHealthIntervalOverride) * time.Second
		}
		if interval <= 0 {
			interval = 60 * time.Second
		}
		watchdog := health.New(reg, interval, log)
		go watchdog.Run(ctx)
	}

	descriptors := make([]mcp.Descriptor, 0, len(cfg.MCPServers))
	for _, m := range cfg.MCPServers {
		descriptors = append(descriptors, mcp.Descriptor{
			Name: m.Name, Transport: m.Transport, URL: m.URL, OAuthURL: m.OAuthURL,
			Enable: m.Enable, Role: m.Role, FallbackMessage: m.FallbackMessage,
		})
	}
	pool := mcp.New(ctx, descriptors, log)
	defer pool.Close()

	orchestrator := rag.New(pool, cfg.RAG)

	loop, err := toolloop.New(ctx, pool, cfg.ToolLoop.MaxToolTurns)
	if err != nil {
		return fmt.Errorf("building tool loop: %w", err)
	}

	var mem *memory.Store
	if cfg.Memory.Enable {
		mem, err = memory.Open(cfg.Memory, log)
		if err != nil {
			return fmt.Errorf("opening memory store: %w", err)
		}
		defer mem.Close()
	}

	prox := proxy.New(log)
	prox.OnResponse = func(backend *registry.Backend, status int, elapsed time.Duration) {
		metrics.ObserveProxyOutcome(backend.ID, string(backend.Kind), status, elapsed)
	}

	server := api.New(reg, prox, pool, orchestrator, loop, mem, webUIDir, log)

	httpServer := &http.Server{Addr: cfg.Address, Handler: server.Handler()}
	errCh := make(chan error, 1)
	go func() {
		log.Info("llama-nexus listening", zap.String("address", cfg.Address))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
