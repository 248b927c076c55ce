// Command zkhex runs the matching engine, block builder, and HTTP API as
// one process. The teacher's main.go is a hand-wired demo with no
// command-line surface at all; this replaces it with the thin
// cobra-driven "serve" command spec.md §1 calls an external
// CLI/configuration collaborator, in the style abdoElHodaky-tradSys uses
// cobra for its own service entrypoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/briansong/zkhex/internal/api"
	"github.com/briansong/zkhex/internal/block"
	"github.com/briansong/zkhex/internal/blockstore"
	"github.com/briansong/zkhex/internal/config"
	"github.com/briansong/zkhex/internal/matchedlog"
	"github.com/briansong/zkhex/internal/matching"
	"github.com/briansong/zkhex/internal/mempool"
	"github.com/briansong/zkhex/internal/storage"
	"github.com/briansong/zkhex/internal/userstore"
)

func main() {
	cfg := config.LoadEnv()

	root := &cobra.Command{
		Use:   "zkhex",
		Short: "zkhex matching engine",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the matching engine, block builder, and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg)
		},
	}
	bindFlags(serve, &cfg)
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bindFlags(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	cmd.Flags().Float64Var(&cfg.MatchDeviation, "match-deviation", cfg.MatchDeviation, "maximum tolerated relative price gap for a crossed match")
	cmd.Flags().IntVar(&cfg.IngressCapacity, "ingress-capacity", cfg.IngressCapacity, "matching engine ingress channel capacity")
	cmd.Flags().IntVar(&cfg.BlockMaxEntries, "block-max-entries", cfg.BlockMaxEntries, "maximum trades per sealed block")
	cmd.Flags().DurationVar(&cfg.BlockMaxDuration, "block-max-duration", cfg.BlockMaxDuration, "maximum time a block window stays open")
	cmd.Flags().DurationVar(&cfg.BlockBuildCadence, "block-build-cadence", cfg.BlockBuildCadence, "how often the block builder ticks")
	cmd.Flags().StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "Postgres DSN; empty selects in-memory stores")
	cmd.Flags().Float64Var(&cfg.RateLimitRPS, "rate-limit-rps", cfg.RateLimitRPS, "per-address order submission rate limit")
	cmd.Flags().IntVar(&cfg.RateLimitBurst, "rate-limit-burst", cfg.RateLimitBurst, "per-address order submission burst")
	cmd.Flags().DurationVar(&cfg.OrderBookCacheTTL, "orderbook-cache-ttl", cfg.OrderBookCacheTTL, "read-path order book cache TTL")
}

func runServe(cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	users, blocks, err := buildStores(cfg, logger)
	if err != nil {
		return fmt.Errorf("build stores: %w", err)
	}

	reg := prometheus.NewRegistry()
	matchMetrics := matching.NewMetrics(reg)
	blockMetrics := block.NewMetrics(reg)

	pool := mempool.New()
	logBuf := matchedlog.New(users, logger)
	engine := matching.NewWithCapacity(pool, logBuf, cfg.MatchDeviation, cfg.IngressCapacity, logger, matchMetrics)
	engine.Start()
	defer engine.Stop()

	builder := block.New(logBuf, cfg.BlockMaxEntries, cfg.BlockMaxDuration, 0, "", logger, blockMetrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go builder.Run(ctx, blocks, cfg.BlockBuildCadence)
	defer builder.Wait()

	server := api.NewServer(pool, logBuf, engine, users, blocks, logger, api.Config{
		RateLimitRPS:      cfg.RateLimitRPS,
		RateLimitBurst:    cfg.RateLimitBurst,
		OrderBookCacheTTL: cfg.OrderBookCacheTTL,
	})

	mux := server.Router()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", zap.Error(err))
		}
	}()

	waitForShutdown()
	logger.Info("shutting down")
	cancel()
	return httpServer.Shutdown(context.Background())
}

func buildStores(cfg config.Config, logger *zap.Logger) (userstore.Store, blockstore.Store, error) {
	if cfg.PostgresDSN == "" {
		return userstore.NewMemoryStore(logger), blockstore.NewMemoryStore(), nil
	}

	if err := storage.Migrate(cfg.PostgresDSN); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := sqlx.Connect("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)

	users := userstore.NewPostgresStore(db, logger)
	blocks, err := blockstore.NewPostgresStore(db, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build block store: %w", err)
	}
	return users, blocks, nil
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
