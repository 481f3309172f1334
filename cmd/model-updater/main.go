package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/AsobaCloud/platform-edge/internal/cache/redisstore"
	"github.com/AsobaCloud/platform-edge/internal/cache/tiered"
	"github.com/AsobaCloud/platform-edge/internal/coldstore"
	"github.com/AsobaCloud/platform-edge/internal/config"
	"github.com/AsobaCloud/platform-edge/internal/forecast"
	"github.com/AsobaCloud/platform-edge/internal/freshness"
	"github.com/AsobaCloud/platform-edge/internal/inference"
	"github.com/AsobaCloud/platform-edge/internal/logger"
	"github.com/AsobaCloud/platform-edge/internal/model"
)

var Version = "dev"

func main() {
	cfg := config.FromEnv()
	zl := logger.Build(logger.Config{Level: cfg.LogLevel, Component: "model-updater"}, nil)

	zl.Info().
		Str("version", Version).
		Strs("customers", cfg.CustomerIDs).
		Dur("interval", cfg.UpdateInterval).
		Bool("run_once", cfg.RunOnce).
		Msg("starting model-updater")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := buildService(ctx, cfg, zl)
	if err != nil {
		zl.Fatal().Err(err).Msg("service init failed")
	}
	defer cleanup()

	if cfg.RunOnce {
		if err := refreshAll(ctx, svc, cfg.CustomerIDs, zl); err != nil {
			zl.Error().Err(err).Msg("refresh pass failed")
			os.Exit(1)
		}
		return
	}

	ticker := time.NewTicker(cfg.UpdateInterval)
	defer ticker.Stop()

	// immediate first pass so a restart does not wait a full interval
	if err := refreshAll(ctx, svc, cfg.CustomerIDs, zl); err != nil {
		zl.Error().Err(err).Msg("refresh pass failed")
	}
	for {
		select {
		case <-ctx.Done():
			zl.Info().Msg("model-updater stopped")
			return
		case <-ticker.C:
			if err := refreshAll(ctx, svc, cfg.CustomerIDs, zl); err != nil {
				zl.Error().Err(err).Msg("refresh pass failed")
			}
		}
	}
}

func buildService(ctx context.Context, cfg config.Config, zl zerolog.Logger) (*forecast.Service, func(), error) {
	s3, err := coldstore.New(ctx, coldstore.Config{
		Region:       cfg.AWSRegion,
		Endpoint:     cfg.S3Endpoint,
		UsePathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {}
	connectCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	rc, err := redisstore.New(connectCtx, cfg.RedisAddr)
	cancel()
	if err != nil {
		zl.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, refreshes will not be shared")
		rc = nil
	} else {
		cleanup = func() { _ = rc.Close() }
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
	return svc, cleanup, nil
}

// refreshAll reloads every customer whose cached model is stale. Customers
// refresh in parallel, a few at a time; one failure does not stop the rest.
func refreshAll(ctx context.Context, svc *forecast.Service, customers []string, zl zerolog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, customerID := range customers {
		g.Go(func() error {
			st := svc.Freshness(ctx, customerID)
			if !st.Stale {
				zl.Debug().Str("customer_id", customerID).Msg("model fresh, skipping")
				return nil
			}
			zl.Info().Str("customer_id", customerID).
				Str("reason", string(st.Reason)).
				Msg("refreshing customer")
			if err := svc.Refresh(ctx, customerID); err != nil {
				zl.Error().Err(err).Str("customer_id", customerID).Msg("refresh failed")
				if st.Reason == freshness.ReasonNoCachedArtifact {
					// nothing cached and nothing loadable; keep going
					return nil
				}
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
