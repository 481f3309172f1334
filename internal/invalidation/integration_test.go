package invalidation_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/AsobaCloud/platform-edge/internal/cache/keys"
	"github.com/AsobaCloud/platform-edge/internal/cache/redisstore"
	"github.com/AsobaCloud/platform-edge/internal/cache/tiered"
	"github.com/AsobaCloud/platform-edge/internal/forecast"
	"github.com/AsobaCloud/platform-edge/internal/invalidation"
	"github.com/AsobaCloud/platform-edge/internal/invalidation/kafkaconsumer"
	"github.com/AsobaCloud/platform-edge/internal/model"
)

type stubBundles struct {
	loads atomic.Int64
}

func (s *stubBundles) Load(context.Context, string) (*model.ModelBundle, error) {
	s.loads.Add(1)
	return &model.ModelBundle{
		Weights:  []byte("w"),
		Encoders: model.EncoderSet{},
		Registry: model.Registry{ModelPath: "customer_tailored/Sibaya/model.h5", Timestamp: time.Now()},
		LoadedAt: time.Now(),
	}, nil
}

type stubSeries struct{}

func (stubSeries) LoadRecent(_ context.Context, _ string, _ time.Duration, _ int) (model.TimeSeriesFrame, error) {
	recs := make([]model.TimeSeriesRecord, 30)
	base := time.Date(2025, 1, 14, 0, 0, 0, 0, time.UTC)
	for i := range recs {
		recs[i] = model.TimeSeriesRecord{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Values:    map[string]float64{"kWh": float64(i % 4)},
		}
	}
	return model.TimeSeriesFrame{Records: recs}, nil
}

type stubPredictor struct{}

func (stubPredictor) Predict(_ context.Context, _ *model.ModelBundle, windows [][][]float64) ([][]float64, error) {
	out := make([][]float64, len(windows))
	for i := range out {
		out[i] = []float64{1}
	}
	return out, nil
}

// An update event removes the customer's model from both cache tiers, so the
// next forecast cold-loads the retrained bundle.
func TestUpdateEventEvictsBothTiers(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	rc, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer rc.Close()

	bundles := &stubBundles{}
	bc := tiered.New[*model.ModelBundle](model.KindModel, tiered.Config{TTL: time.Hour, MemSize: 8}, rc, zerolog.Nop())
	sc := tiered.New[model.TimeSeriesFrame](model.KindData, tiered.Config{TTL: 30 * time.Minute, MemSize: 8}, rc, zerolog.Nop())
	svc := forecast.NewService(forecast.Config{SequenceLength: 24}, bc, sc, bundles, stubSeries{}, stubPredictor{}, rc, zerolog.Nop())

	if _, err := svc.Forecast(ctx, "Sibaya", 1); err != nil {
		t.Fatalf("warm forecast: %v", err)
	}
	modelKey := keys.Key(model.ArtifactKey{Kind: model.KindModel, CustomerID: "Sibaya"})
	if !mr.Exists(modelKey) {
		t.Fatalf("distributed tier missing %s after warm forecast", modelKey)
	}

	consumer := kafkaconsumer.New(
		kafkaconsumer.Config{Brokers: []string{"x"}, Topic: "model-updates", GroupID: "g"},
		slog.Default(), svc,
	)
	ev := invalidation.Event{
		Version: 1, Op: invalidation.OpModelUpdated, CustomerID: "Sibaya",
		TS: time.Now().UTC(), Source: "model-trainer",
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	msg := &sarama.ConsumerMessage{Topic: "model-updates", Offset: 1, Value: raw}
	if err := consumer.ProcessOne(ctx, msg); err != nil {
		t.Fatalf("process event: %v", err)
	}

	if mr.Exists(modelKey) {
		t.Fatalf("distributed entry %s survived invalidation", modelKey)
	}
	if _, err := svc.Forecast(ctx, "Sibaya", 1); err != nil {
		t.Fatalf("forecast after invalidation: %v", err)
	}
	if got := bundles.loads.Load(); got != 2 {
		t.Fatalf("bundle cold loads=%d want 2", got)
	}
}
