// Command router is the MCP tool-server router's entrypoint: it loads
// configuration, wires the cache, circuit breakers, server registry,
// process manager, supervisor, enhancement service, and HTTP surface
// together, starts every auto-start server, and serves until a signal
// asks it to shut down.
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
	"go.uber.org/zap/zapcore"

	"github.com/OmegaTeee/mcp-agenthub-sub000/breaker"
	"github.com/OmegaTeee/mcp-agenthub-sub000/cache"
	"github.com/OmegaTeee/mcp-agenthub-sub000/config"
	"github.com/OmegaTeee/mcp-agenthub-sub000/enhancement"
	"github.com/OmegaTeee/mcp-agenthub-sub000/metrics"
	"github.com/OmegaTeee/mcp-agenthub-sub000/pipeline"
	"github.com/OmegaTeee/mcp-agenthub-sub000/process"
	"github.com/OmegaTeee/mcp-agenthub-sub000/registry"
	"github.com/OmegaTeee/mcp-agenthub-sub000/server"
	"github.com/OmegaTeee/mcp-agenthub-sub000/supervisor"
)

var (
	configFile = flag.String("config", "router.yaml", "Path to configuration file")
	validate   = flag.Bool("validate", false, "Validate configuration and exit")
	version    = flag.Bool("version", false, "Print version and exit")
)

const Version = "v0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("router %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *validate {
		fmt.Println("configuration is valid")
		os.Exit(0)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	watcher, err := config.NewConfigWatcher(*configFile, logger)
	if err != nil {
		logger.Fatal("failed to start config watcher", zap.Error(err))
	}
	defer watcher.Close()

	reg, err := registry.New(cfg.Servers)
	if err != nil {
		logger.Fatal("failed to build server registry", zap.Error(err))
	}

	promReg := metrics.New()
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	}, logger, promReg.Registry())

	procs := process.NewManager(logger, process.EnvCredentialStore{})
	sup := supervisor.New(reg, procs, logger)

	generator := enhancement.NewOllamaGenerator(cfg.Enhancement.Endpoint, &http.Client{Timeout: cfg.Enhancement.Timeout})
	enh := enhancement.New(cfg.Enhancement, generator, cache.New(cfg.Cache.MaxSize), breakers, logger)

	pipe := pipeline.New(reg, breakers, sup, enh, logger)

	httpServer := server.NewServer(watcher, pipe, promReg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	go watchSupervisorReload(ctx, sup, watcher, logger)

	if err := sup.Start(ctx); err != nil {
		logger.Error("failed to auto-start declared servers", zap.Error(err))
	}

	logger.Info("starting router", zap.String("version", Version), zap.Int("port", cfg.Server.Port))
	if err := httpServer.Start(ctx); err != nil {
		logger.Error("http server error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	sup.Shutdown(shutdownCtx)
}

// watchSupervisorReload subscribes to configuration reloads and applies
// added/removed server declarations to the supervisor, independently of
// the HTTP server's own reload subscription.
func watchSupervisorReload(ctx context.Context, sup *supervisor.Supervisor, watcher config.Watcher, logger *zap.Logger) {
	updates := watcher.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			reconcileCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := sup.Reconcile(reconcileCtx, cfg.Servers); err != nil {
				logger.Error("failed to reconcile servers after config reload", zap.Error(err))
			}
			cancel()
		}
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "text" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level := zapcore.InfoLevel
	if err := level.Set(cfg.Level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}

	return zcfg.Build()
}
