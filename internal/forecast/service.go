package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/AsobaCloud/platform-edge/internal/cache/keys"
	"github.com/AsobaCloud/platform-edge/internal/cache/redisstore"
	"github.com/AsobaCloud/platform-edge/internal/cache/tiered"
	"github.com/AsobaCloud/platform-edge/internal/features"
	"github.com/AsobaCloud/platform-edge/internal/freshness"
	"github.com/AsobaCloud/platform-edge/internal/inference"
	"github.com/AsobaCloud/platform-edge/internal/model"
	"github.com/AsobaCloud/platform-edge/internal/observability"
	"github.com/AsobaCloud/platform-edge/internal/sequence"
)

// BundleSource cold-loads a customer's model bundle.
type BundleSource interface {
	Load(ctx context.Context, customerID string) (*model.ModelBundle, error)
}

// SeriesSource cold-loads a customer's recent raw time series.
type SeriesSource interface {
	LoadRecent(ctx context.Context, customerID string, window time.Duration, fallbackN int) (model.TimeSeriesFrame, error)
}

type Config struct {
	SequenceLength int
	RecentWindow   time.Duration
	ForecastHours  int
	ModelMaxAge    time.Duration
}

func (c Config) withDefaults() Config {
	if c.SequenceLength <= 0 {
		c.SequenceLength = 24
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 168 * time.Hour
	}
	if c.ForecastHours <= 0 {
		c.ForecastHours = 24
	}
	if c.ModelMaxAge <= 0 {
		c.ModelMaxAge = freshness.DefaultMaxAge
	}
	return c
}

// Service is the forecasting core: tiered artifact resolution, feature
// preparation, windowing, the inference call and forecast assembly.
type Service struct {
	cfg Config

	bundles *tiered.Cache[*model.ModelBundle]
	series  *tiered.Cache[model.TimeSeriesFrame]

	loadBundle BundleSource
	loadSeries SeriesSource
	predictor  inference.Predictor
	redis      *redisstore.Client

	log zerolog.Logger
	now func() time.Time
}

func NewService(
	cfg Config,
	bundles *tiered.Cache[*model.ModelBundle],
	series *tiered.Cache[model.TimeSeriesFrame],
	loadBundle BundleSource,
	loadSeries SeriesSource,
	predictor inference.Predictor,
	redis *redisstore.Client,
	log zerolog.Logger,
) *Service {
	return &Service{
		cfg:        cfg.withDefaults(),
		bundles:    bundles,
		series:     series,
		loadBundle: loadBundle,
		loadSeries: loadSeries,
		predictor:  predictor,
		redis:      redis,
		log:        log.With().Str("component", "forecast").Logger(),
		now:        time.Now,
	}
}

// Result is one generated forecast plus its provenance.
type Result struct {
	CustomerID     string                `json:"customer_id"`
	GeneratedAt    time.Time             `json:"generated_at"`
	ForecastHours  int                   `json:"forecast_hours"`
	SequencesUsed  int                   `json:"sequences_used"`
	FeatureCount   int                   `json:"feature_count"`
	Targets        []string              `json:"targets"`
	ModelTimestamp time.Time             `json:"model_timestamp,omitempty"`
	Points         []model.ForecastPoint `json:"forecast"`
}

func (s *Service) bundleKey(customerID string) model.ArtifactKey {
	return model.ArtifactKey{Kind: model.KindModel, CustomerID: customerID}
}

func (s *Service) seriesKey(customerID string) model.ArtifactKey {
	variant := fmt.Sprintf("recent_%dh", int(s.cfg.RecentWindow.Hours()))
	return model.ArtifactKey{Kind: model.KindData, CustomerID: customerID, Variant: variant}
}

func (s *Service) resolveBundle(ctx context.Context, customerID string) (*model.ModelBundle, error) {
	return s.bundles.Resolve(ctx, s.bundleKey(customerID), func(ctx context.Context) (*model.ModelBundle, error) {
		return s.loadBundle.Load(ctx, customerID)
	})
}

func (s *Service) resolveSeries(ctx context.Context, customerID string) (model.TimeSeriesFrame, error) {
	fallbackN := int(s.cfg.RecentWindow.Hours())
	return s.series.Resolve(ctx, s.seriesKey(customerID), func(ctx context.Context) (model.TimeSeriesFrame, error) {
		return s.loadSeries.LoadRecent(ctx, customerID, s.cfg.RecentWindow, fallbackN)
	})
}

// Forecast generates up to horizonHours of dated predictions for one
// customer. horizonHours <= 0 selects the configured default.
func (s *Service) Forecast(ctx context.Context, customerID string, horizonHours int) (res *Result, err error) {
	defer func() { observability.IncForecast(err) }()

	if customerID == "" {
		return nil, fmt.Errorf("forecast: customer_id is required")
	}
	if horizonHours <= 0 {
		horizonHours = s.cfg.ForecastHours
	}

	log := s.log.With().Str("customer_id", customerID).Logger()

	bundle, err := s.resolveBundle(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("forecast customer=%s stage=model: %w", customerID, err)
	}
	frame, err := s.resolveSeries(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("forecast customer=%s stage=data: %w", customerID, err)
	}

	ff := features.Prepare(frame, customerID, bundle.Encoders, log)
	cols := features.FeatureColumns(ff)
	targets := features.AvailableTargets(ff)
	if len(targets) == 0 {
		return nil, fmt.Errorf("forecast customer=%s stage=features: no target columns in data", customerID)
	}

	windows, err := sequence.Window(ff, cols, s.cfg.SequenceLength)
	if err != nil {
		return nil, fmt.Errorf("forecast customer=%s stage=sequences: %w", customerID, err)
	}

	preds, err := s.predictor.Predict(ctx, bundle, windows)
	if err != nil {
		return nil, fmt.Errorf("forecast customer=%s stage=inference: %w", customerID, err)
	}

	last, ok := frame.Normalize().LastTimestamp()
	if !ok {
		return nil, fmt.Errorf("forecast customer=%s stage=assemble: empty frame", customerID)
	}

	points := Assemble(preds, last, horizonHours, targets)
	log.Info().
		Int("windows", len(windows)).
		Int("features", len(cols)).
		Int("points", len(points)).
		Msg("forecast generated")

	return &Result{
		CustomerID:     customerID,
		GeneratedAt:    s.now().UTC(),
		ForecastHours:  len(points),
		SequencesUsed:  len(windows),
		FeatureCount:   len(cols),
		Targets:        targets,
		ModelTimestamp: bundle.Registry.Timestamp,
		Points:         points,
	}, nil
}

// freshnessRecord is the durable trace a refresh leaves in the distributed
// tier, readable by other processes and the status surface.
type freshnessRecord struct {
	CustomerID     string    `json:"customer_id"`
	RefreshedAt    time.Time `json:"refreshed_at"`
	ModelTimestamp time.Time `json:"model_timestamp"`
}

// Refresh drops both cached artifacts for the customer and reloads them from
// the cold store, then records the refresh in the distributed tier.
func (s *Service) Refresh(ctx context.Context, customerID string) (err error) {
	defer func() { observability.IncRefresh(err) }()

	if err := s.bundles.Invalidate(ctx, s.bundleKey(customerID)); err != nil {
		s.log.Warn().Err(err).Str("customer_id", customerID).Msg("bundle invalidation incomplete")
	}
	if err := s.series.Invalidate(ctx, s.seriesKey(customerID)); err != nil {
		s.log.Warn().Err(err).Str("customer_id", customerID).Msg("series invalidation incomplete")
	}

	bundle, err := s.resolveBundle(ctx, customerID)
	if err != nil {
		return fmt.Errorf("refresh customer=%s stage=model: %w", customerID, err)
	}
	if _, err := s.resolveSeries(ctx, customerID); err != nil {
		return fmt.Errorf("refresh customer=%s stage=data: %w", customerID, err)
	}

	s.recordFreshness(ctx, customerID, bundle)
	s.log.Info().Str("customer_id", customerID).
		Time("model_timestamp", bundle.Registry.Timestamp).
		Msg("customer refreshed")
	return nil
}

func (s *Service) recordFreshness(ctx context.Context, customerID string, bundle *model.ModelBundle) {
	if s.redis == nil {
		return
	}
	rec := freshnessRecord{
		CustomerID:     customerID,
		RefreshedAt:    s.now().UTC(),
		ModelTimestamp: bundle.Registry.Timestamp,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, keys.FreshnessKey(customerID), raw, s.cfg.ModelMaxAge); err != nil {
		s.log.Warn().Err(err).Str("customer_id", customerID).Msg("freshness record write failed")
	}
}

// Freshness reports whether the customer's cached model is within the
// absolute-age policy, without triggering a cold load.
func (s *Service) Freshness(ctx context.Context, customerID string) freshness.Status {
	if bundle, ok := s.bundles.Peek(s.bundleKey(customerID)); ok {
		return freshness.NeedsRefresh(s.modelTime(bundle), s.cfg.ModelMaxAge, s.now())
	}
	if s.redis != nil {
		if raw, err := s.redis.Get(ctx, keys.FreshnessKey(customerID)); err == nil {
			var rec freshnessRecord
			if json.Unmarshal(raw, &rec) == nil {
				return freshness.NeedsRefresh(rec.ModelTimestamp, s.cfg.ModelMaxAge, s.now())
			}
		}
	}
	return freshness.NeedsRefresh(time.Time{}, s.cfg.ModelMaxAge, s.now())
}

func (s *Service) modelTime(bundle *model.ModelBundle) time.Time {
	if !bundle.Registry.Timestamp.IsZero() {
		return bundle.Registry.Timestamp
	}
	return bundle.LoadedAt
}

// Invalidate drops one artifact kind for a customer from every writable
// tier. Used by the event-driven invalidation consumer.
func (s *Service) Invalidate(ctx context.Context, kind model.Kind, customerID string) error {
	switch kind {
	case model.KindModel:
		return s.bundles.Invalidate(ctx, s.bundleKey(customerID))
	case model.KindData:
		return s.series.Invalidate(ctx, s.seriesKey(customerID))
	default:
		return fmt.Errorf("invalidate: unknown artifact kind %q", kind)
	}
}

// CachedModels reports the memory-tier bundle count for the status surface.
func (s *Service) CachedModels() int {
	if s.bundles == nil {
		return 0
	}
	return s.bundles.Len()
}
