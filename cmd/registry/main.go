package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"registryScope/internal/api"
	"registryScope/internal/archive"
	archivepg "registryScope/internal/archive/postgres"
	"registryScope/internal/cache"
	"registryScope/internal/chain"
	"registryScope/internal/config"
	"registryScope/internal/indexer"
	"registryScope/internal/query"
	"registryScope/internal/warmup"
)

func main() {
	root := &cobra.Command{
		Use:          "registry",
		Short:        "Service registry projection and discovery API",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run warmup, the indexer, and the query API",
		RunE:  runServe,
	}
	addPipelineFlags(serveCmd.Flags())
	serveCmd.Flags().String("listen-addr", ":8080", "API listen address")
	serveCmd.Flags().Int("cache-max-age", 30, "public max-age on discovery responses (seconds)")
	serveCmd.Flags().Duration("poll-interval", 10*time.Second, "live tailing poll interval")
	serveCmd.Flags().Duration("rebuild-interval", 5*time.Minute, "forced list rebuild interval")
	serveCmd.Flags().Duration("probe-interval", time.Minute, "endpoint health probe interval")
	serveCmd.Flags().Duration("warmup-timeout", 5*time.Second, "warmup hard timeout")
	root.AddCommand(serveCmd)

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run one historical sync and exit",
		RunE:  runBackfill,
	}
	addPipelineFlags(backfillCmd.Flags())
	root.AddCommand(backfillCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addPipelineFlags(flags *pflag.FlagSet) {
	flags.StringSlice("rpc", nil, "RPC endpoint URLs in priority order (comma-separated)")
	flags.String("contract", "", "registry contract address")
	flags.Uint64("start-block", 0, "backfill start block")
	flags.Uint64("batch-size", 2000, "blocks per backfill batch")
	flags.Int("max-retries", 3, "retry attempts per failing batch")
	flags.Duration("retry-backoff", 500*time.Millisecond, "base retry backoff")
	flags.Int("unhealthy-threshold", 3, "consecutive failures before an endpoint is unhealthy")
	flags.Duration("recovery-delay", 30*time.Second, "delay before an unhealthy endpoint is retried")
	flags.String("redis-addr", "localhost:6379", "redis address")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database")
	flags.Uint64("stake-cap-tokens", 100000, "stake cap in whole tokens for rank saturation")
	flags.Int("max-limit", 100, "maximum page size")
	flags.Int("default-limit", 20, "default page size")
	flags.Bool("active-only", true, "restrict discovery to active services")
	flags.Int("neutral-score", 50, "display score assumed without reputation data")
	flags.String("archive-dsn", "", "optional Postgres DSN for the applied-event archive")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

type pipeline struct {
	cfg      config.Config
	logger   *zap.Logger
	failover *chain.Failover
	store    *cache.Store
	sink     archive.Sink
	indexer  *indexer.Indexer

	closers []func()
}

func (p *pipeline) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

func buildPipeline(ctx context.Context, cmd *cobra.Command) (*pipeline, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if len(cfg.RPCEndpoints) == 0 {
		return nil, fmt.Errorf("at least one rpc endpoint is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("valid contract address is required")
	}

	p := &pipeline{cfg: cfg, logger: logger}

	endpoints := make([]chain.EndpointConfig, 0, len(cfg.RPCEndpoints))
	for i, url := range cfg.RPCEndpoints {
		endpoints = append(endpoints, chain.EndpointConfig{
			URL:      url,
			Priority: i,
			Label:    fmt.Sprintf("rpc-%d", i),
		})
	}
	failover, err := chain.NewFailover(ctx, chain.FailoverOptions{
		Endpoints:          endpoints,
		UnhealthyThreshold: cfg.UnhealthyThreshold,
		RecoveryDelay:      cfg.RecoveryDelay,
		MaxRetries:         cfg.MaxRetries,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	p.failover = failover
	p.closers = append(p.closers, failover.Close)

	store, err := cache.New(ctx, cache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		p.close()
		return nil, err
	}
	p.store = store
	p.closers = append(p.closers, func() { _ = store.Close() })

	p.sink = archive.Nop{}
	if cfg.ArchiveDSN != "" {
		pgStore, err := archivepg.NewStore(ctx, cfg.ArchiveDSN)
		if err != nil {
			p.close()
			return nil, fmt.Errorf("connect archive: %w", err)
		}
		p.sink = pgStore
		p.closers = append(p.closers, pgStore.Close)
	}

	ix, err := indexer.New(indexer.Config{
		ContractAddress: common.HexToAddress(cfg.ContractAddress),
		StartBlock:      cfg.StartBlock,
		BatchSize:       cfg.BatchSize,
		PollInterval:    cfg.PollInterval,
		RebuildInterval: cfg.RebuildInterval,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff,
	}, failover, store, p.sink, logger)
	if err != nil {
		p.close()
		return nil, err
	}
	p.indexer = ix

	return p, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cmd)
	if err != nil {
		return err
	}
	defer p.close()
	defer p.logger.Sync()

	report := warmup.Run(ctx, p.store, p.cfg.WarmupTimeout, p.logger)

	stakeCap := new(big.Int).Mul(
		new(big.Int).SetUint64(p.cfg.StakeCapTokens),
		new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
	)
	engine, err := query.New(p.store, query.Config{
		StakeCap:     stakeCap,
		MaxLimit:     p.cfg.MaxLimit,
		DefaultLimit: p.cfg.DefaultLimit,
		ActiveOnly:   p.cfg.ActiveOnly,
		NeutralScore: p.cfg.NeutralScore,
	}, p.logger)
	if err != nil {
		return err
	}

	go func() {
		if err := p.indexer.Backfill(ctx); err != nil {
			p.logger.Error("backfill aborted, live tailing proceeds", zap.Error(err))
		}
		p.indexer.Run(ctx)
	}()
	go p.failover.RunProbeLoop(ctx, p.cfg.ProbeInterval)

	server := api.NewServer(api.Config{
		Addr:        p.cfg.ListenAddr,
		CacheMaxAge: p.cfg.CacheMaxAge,
	}, engine, p.store, p.failover, p.indexer, report, p.logger)

	httpServer := server.HTTPServer()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	p.logger.Info("api listening", zap.String("addr", p.cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cmd)
	if err != nil {
		return err
	}
	defer p.close()
	defer p.logger.Sync()

	p.logger.Info("backfill start",
		zap.Uint64("start_block", p.cfg.StartBlock),
		zap.Uint64("batch_size", p.cfg.BatchSize),
		zap.Int("endpoints", len(p.cfg.RPCEndpoints)))

	return p.indexer.Backfill(ctx)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
