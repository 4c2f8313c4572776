// Censusd serves US Census statistics for map overlays.
//
// The daemon resolves free-text metric queries to Census variables,
// fetches their values, joins them onto boundary polygons, and persists
// the result. A conversational endpoint drives the same pipeline
// through LLM tool calls.
//
// Configuration comes from a YAML file plus CENSUSD_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	censusd
//
//	# Point at a config file
//	censusd -config /etc/censusd/config.yaml
//
//	# Configure via environment
//	CENSUSD_SERVER_PORT=9090 CENSUSD_LLM_API_KEY=sk-... censusd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/metrolabs/censusd/internal/boundary"
	"github.com/metrolabs/censusd/internal/census"
	"github.com/metrolabs/censusd/internal/chat"
	"github.com/metrolabs/censusd/internal/collector"
	"github.com/metrolabs/censusd/internal/config"
	censushttp "github.com/metrolabs/censusd/internal/http"
	"github.com/metrolabs/censusd/internal/logging"
	"github.com/metrolabs/censusd/internal/search"
	"github.com/metrolabs/censusd/internal/stats"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("censusd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the service graph and blocks until ctx is cancelled.
//
// Initialization order:
//  1. Configuration and logger
//  2. SQLite store (stats plus the durable fetch cache)
//  3. Census client, boundary joiner, search engine
//  4. Stats service and chat loop
//  5. HTTP server, shut down gracefully on cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting censusd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("dataset", cfg.Census.DefaultDataset),
		zap.String("year", cfg.Census.DefaultYear),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()),
	)

	store, err := stats.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	var coll collector.Collector = collector.Nop{}
	if cfg.Collector.Endpoint != "" {
		httpColl, err := collector.NewHTTP(cfg.Collector.Endpoint, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize collector: %w", err)
		}
		coll = httpColl
	}

	censusClient := census.NewClient(census.ClientConfig{
		BaseURL:   cfg.Census.BaseURL,
		Collector: coll,
		RowCache:  store,
		Clock:     clockwork.NewRealClock(),
		Logger:    logger.Named("census"),
	})

	joiner, err := boundary.NewJoiner(boundary.Config{
		Sources:          cfg.Boundary.Sources,
		IncludeUnmatched: cfg.Boundary.IncludeUnmatched,
		Logger:           logger.Named("boundary"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize boundary joiner: %w", err)
	}

	engine, err := search.NewEngine(search.Config{
		Fetcher:   censusClient,
		Collector: coll,
		Logger:    logger.Named("search"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize search engine: %w", err)
	}

	svc, err := stats.NewService(stats.ServiceConfig{
		Store:   store,
		Fetcher: censusClient,
		Joiner:  joiner,
		Logger:  logger.Named("stats"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize stats service: %w", err)
	}

	llmOpts := []openai.Option{
		openai.WithModel(cfg.LLM.Model),
		openai.WithToken(cfg.LLM.APIKey.Value()),
	}
	if cfg.LLM.BaseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(cfg.LLM.BaseURL))
	}
	model, err := openai.New(llmOpts...)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	loop, err := chat.NewLoop(chat.Config{
		Model:     model,
		Searcher:  engine,
		Adder:     svc,
		MaxRounds: cfg.LLM.MaxRounds,
		Defaults: chat.Defaults{
			Year:    cfg.Census.DefaultYear,
			Dataset: cfg.Census.DefaultDataset,
			Scope: census.Scope{
				Level:  census.LevelZCTA,
				Region: cfg.Census.DefaultRegion,
				State:  cfg.Census.DefaultState,
			},
		},
		Logger: logger.Named("chat"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat loop: %w", err)
	}

	srv, err := censushttp.NewServer(engine, svc, loop, logger.Named("http"), &censushttp.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
		Defaults: censushttp.Defaults{
			Year:    cfg.Census.DefaultYear,
			Dataset: cfg.Census.DefaultDataset,
			Region:  cfg.Census.DefaultRegion,
			State:   cfg.Census.DefaultState,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}

	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
