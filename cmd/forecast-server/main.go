package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AsobaCloud/platform-edge/internal/cache/redisstore"
	"github.com/AsobaCloud/platform-edge/internal/cache/tiered"
	"github.com/AsobaCloud/platform-edge/internal/coldstore"
	"github.com/AsobaCloud/platform-edge/internal/config"
	"github.com/AsobaCloud/platform-edge/internal/forecast"
	"github.com/AsobaCloud/platform-edge/internal/inference"
	"github.com/AsobaCloud/platform-edge/internal/invalidation/kafkaconsumer"
	"github.com/AsobaCloud/platform-edge/internal/logger"
	"github.com/AsobaCloud/platform-edge/internal/model"
	"github.com/AsobaCloud/platform-edge/internal/observability"
	"github.com/AsobaCloud/platform-edge/internal/server"
)

var Version = "dev"

func main() {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{Level: cfg.LogLevel, Component: "forecast-server"}, nil)
	slogger := logger.NewSlog(&zl)
	observability.ExposeBuildInfo(Version)

	zl.Info().Str("addr", cfg.Addr).Str("version", Version).Msg("starting forecast-server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s3cfg := coldstore.Config{
		Region:       cfg.AWSRegion,
		Endpoint:     cfg.S3Endpoint,
		UsePathStyle: cfg.S3PathStyle,
	}
	s3, err := coldstore.New(ctx, s3cfg)
	if err != nil {
		zl.Fatal().Err(err).Msg("cold store init failed")
	}

	// the distributed tier is optional: a dead redis degrades to
	// memory + cold store
	var rc *redisstore.Client
	connectCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	rc, err = redisstore.New(connectCtx, cfg.RedisAddr)
	cancel()
	if err != nil {
		zl.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, memory-only caching")
		rc = nil
	} else {
		defer func() { _ = rc.Close() }()
	}

	bundleCache := tiered.New[*model.ModelBundle](model.KindModel, tiered.Config{
		TTL:       cfg.ModelCacheTTL,
		MemSize:   cfg.MemCacheSize,
		OpTimeout: cfg.CacheOpTimeout,
	}, rc, zl)
	seriesCache := tiered.New[model.TimeSeriesFrame](model.KindData, tiered.Config{
		TTL:       cfg.DataCacheTTL,
		MemSize:   cfg.MemCacheSize,
		OpTimeout: cfg.CacheOpTimeout,
	}, rc, zl)

	svc := forecast.NewService(
		forecast.Config{
			SequenceLength: cfg.SequenceLength,
			RecentWindow:   time.Duration(cfg.RecentHours) * time.Hour,
			ForecastHours:  cfg.ForecastHours,
			ModelMaxAge:    cfg.ModelMaxAge,
		},
		bundleCache,
		seriesCache,
		coldstore.NewBundleLoader(s3, cfg.OutputBucket, zl),
		coldstore.NewSeriesLoader(s3, cfg.InputBucket, zl),
		inference.NewHTTPPredictor(cfg.InferenceURL),
		rc,
		zl,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		handlers := server.NewHandlers(svc, slogger, Version)
		return server.Run(ctx, cfg.Addr, slogger, handlers)
	})

	if cfg.Invalidation.Enabled {
		consumer := kafkaconsumer.New(kafkaconsumer.Config{
			Brokers:             cfg.Invalidation.Brokers,
			Topic:               cfg.Invalidation.Topic,
			GroupID:             cfg.Invalidation.GroupID,
			SessionTimeout:      30 * time.Second,
			Heartbeat:           3 * time.Second,
			RebalanceTimeout:    30 * time.Second,
			InitialOffsetOldest: true,
		}, slogger, svc)
		g.Go(func() error { return consumer.Start(ctx) })
	}

	if err := g.Wait(); err != nil {
		zl.Error().Err(err).Msg("forecast-server exited with error")
		os.Exit(1)
	}
	zl.Info().Msg("forecast-server stopped")
}
