package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/tinkermonkey/apibuddy/pkg/cache"
	"github.com/tinkermonkey/apibuddy/pkg/config"
	"github.com/tinkermonkey/apibuddy/pkg/logging"
	"github.com/tinkermonkey/apibuddy/pkg/monitoring"
	"github.com/tinkermonkey/apibuddy/pkg/pipeline"
	"github.com/tinkermonkey/apibuddy/pkg/ratelimit"
	"github.com/tinkermonkey/apibuddy/pkg/security"
	"github.com/tinkermonkey/apibuddy/pkg/server"
	"github.com/tinkermonkey/apibuddy/pkg/storage"
	"github.com/tinkermonkey/apibuddy/pkg/telemetry"
)

var (
	configPath     = flag.String("config", "config.yml", "Path to configuration file")
	showVersion    = flag.Bool("version", false, "Show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration file and exit")
	healthCheck    = flag.Bool("health-check", false, "Perform health check and exit (for Docker HEALTHCHECK)")
	adminAddress   = flag.String("admin-address", "", "Override admin address for health check (default: from config)")

	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "gen-secure-key" {
		fmt.Println(security.GenerateSecret())
		return
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("apibuddy\n")
		fmt.Printf("Version:     %s\n", version)
		fmt.Printf("Git Commit:  %s\n", gitCommit)
		fmt.Printf("Build Time:  %s\n", buildTime)
		fmt.Printf("Go Version:  %s\n", runtime.Version())
		os.Exit(0)
	}

	if *validateConfig {
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration valid.")
		return
	}

	if *healthCheck {
		os.Exit(performHealthCheck(*adminAddress, *configPath))
	}

	ctx := context.Background()

	cfgWatcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgWatcher.Config()

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfgWatcher, err = config.NewWatcher(*configPath, logger.Logger)
	if err != nil {
		logger.Error("failed to reinitialize config watcher with logger", "error", err)
		os.Exit(1)
	}
	cfg = cfgWatcher.Config()

	logger.Info("apibuddy starting", "version", version, "build_time", buildTime, "commit", gitCommit)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	store, err := storage.New(storage.Config{Path: cfg.Cache.DatabasePath}, metrics)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}

	cacheEngine, err := cache.New(store, &cfg.Cache, cfg.TTLForDomain, logger, metrics)
	if err != nil {
		logger.Error("failed to initialize cache engine", "error", err)
		_ = store.Close()
		os.Exit(1)
	}

	throttle := ratelimit.NewManager(&cfg.Throttling, logger, metrics)
	gate := security.New(&cfg.Security, logger)

	pl := pipeline.New(cfg, cacheEngine, throttle, gate, store, logger, metrics)
	facade := monitoring.New(cfg, cacheEngine, throttle, store, time.Now())

	srv := server.New(cfg, pl, facade, logger, metrics)

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()
	go func() {
		if err := cfgWatcher.Start(watcherCtx); err != nil {
			logger.Error("config watcher stopped", "error", err)
		}
	}()

	if err := srv.Start(false); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	logger.Info("apibuddy is running",
		"address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"domains", len(cfg.DomainMappings),
		"admin_enabled", cfg.Admin.Enabled,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", "error", err)
	}

	if err := store.Close(); err != nil {
		logger.Error("error closing storage", "error", err)
	}

	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during telemetry shutdown", "error", err)
	}

	logger.Info("apibuddy stopped")
}

// performHealthCheck queries the admin health endpoint. Returns 0 if healthy,
// 1 otherwise. Requires admin.enabled in the target configuration.
func performHealthCheck(adminAddr, configPath string) int {
	if adminAddr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: cannot load config: %v\n", err)
			return 1
		}
		if !cfg.Admin.Enabled {
			fmt.Fprintf(os.Stderr, "Health check failed: admin interface is disabled\n")
			return 1
		}
		adminAddr = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	} else if !strings.HasPrefix(adminAddr, "http://") && !strings.HasPrefix(adminAddr, "https://") {
		adminAddr = "http://" + adminAddr
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(adminAddr + "/admin/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status code %d\n", resp.StatusCode)
		return 1
	}

	fmt.Println("Health check passed")
	return 0
}
