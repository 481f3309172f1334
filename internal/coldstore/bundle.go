package coldstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/AsobaCloud/platform-edge/internal/model"
)

// BundleLoader constructs model bundles from the registry document and its
// referenced blobs.
type BundleLoader struct {
	s3     *Client
	bucket string
	tmpDir string
	log    zerolog.Logger
	now    func() time.Time
}

func NewBundleLoader(s3 *Client, bucket string, log zerolog.Logger) *BundleLoader {
	return &BundleLoader{
		s3:     s3,
		bucket: bucket,
		tmpDir: os.TempDir(),
		log:    log,
		now:    time.Now,
	}
}

func registryKey(customerID string) string {
	return "customer_tailored/" + customerID + "/latest_model.json"
}

// Load resolves the customer's registry document and dereferences it into the
// model weights, fitted encoders, and optional training config. Weights go
// through a temp file that is removed on every path.
func (l *BundleLoader) Load(ctx context.Context, customerID string) (*model.ModelBundle, error) {
	raw, err := l.s3.GetBlob(ctx, l.bucket, registryKey(customerID))
	if err != nil {
		return nil, fmt.Errorf("bundle registry for %s: %w", customerID, err)
	}

	reg, err := parseRegistry(raw)
	if err != nil {
		return nil, fmt.Errorf("bundle registry for %s: %w", customerID, err)
	}

	weights, err := l.fetchWeights(ctx, customerID, StripScheme(reg.ModelPath, l.bucket))
	if err != nil {
		return nil, fmt.Errorf("bundle weights for %s: %w", customerID, err)
	}

	encRaw, err := l.s3.GetBlob(ctx, l.bucket, StripScheme(reg.EncodersPath, l.bucket))
	if err != nil {
		return nil, fmt.Errorf("bundle encoders for %s: %w", customerID, err)
	}
	var encoders model.EncoderSet
	if err := json.Unmarshal(encRaw, &encoders); err != nil {
		return nil, fmt.Errorf("bundle encoders for %s: decode: %w", customerID, err)
	}

	var cfg map[string]any
	if reg.ConfigPath != "" {
		cfgRaw, err := l.s3.GetBlob(ctx, l.bucket, StripScheme(reg.ConfigPath, l.bucket))
		switch {
		case err != nil:
			// config is optional in the registry contract
			l.log.Warn().Err(err).Str("customer_id", customerID).Msg("bundle config unavailable, continuing without")
		default:
			if err := json.Unmarshal(cfgRaw, &cfg); err != nil {
				l.log.Warn().Err(err).Str("customer_id", customerID).Msg("bundle config malformed, continuing without")
				cfg = nil
			}
		}
	}

	return &model.ModelBundle{
		Weights:  weights,
		Encoders: encoders,
		Config:   cfg,
		Registry: reg,
		LoadedAt: l.now().UTC(),
	}, nil
}

// fetchWeights downloads the weights blob to a temp file and reads it back.
// The temp file is removed on success and failure alike.
func (l *BundleLoader) fetchWeights(ctx context.Context, customerID, key string) ([]byte, error) {
	f, err := os.CreateTemp(l.tmpDir, "model_"+sanitizeFileToken(customerID)+"_*.h5")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	local := f.Name()
	_ = f.Close()
	defer func() {
		if rmErr := os.Remove(local); rmErr != nil && !os.IsNotExist(rmErr) {
			l.log.Warn().Err(rmErr).Str("path", local).Msg("temp weights cleanup failed")
		}
	}()

	if err := l.s3.Download(ctx, l.bucket, key, local); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", local, err)
	}
	return data, nil
}

func parseRegistry(raw []byte) (model.Registry, error) {
	if !gjson.ValidBytes(raw) {
		return model.Registry{}, fmt.Errorf("malformed registry document")
	}
	doc := gjson.ParseBytes(raw)

	reg := model.Registry{
		ModelPath:    doc.Get("model_path").String(),
		EncodersPath: doc.Get("encoders_path").String(),
		ConfigPath:   doc.Get("config_path").String(),
	}
	if reg.ModelPath == "" {
		return model.Registry{}, fmt.Errorf("registry missing model_path")
	}
	if reg.EncodersPath == "" {
		return model.Registry{}, fmt.Errorf("registry missing encoders_path")
	}

	if ts := doc.Get("timestamp").String(); ts != "" {
		reg.Timestamp = parseTimestamp(ts)
	}
	return reg, nil
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func sanitizeFileToken(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
