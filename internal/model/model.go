// Package model defines the shared data types of the forecasting core.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Kind selects which family of artifacts a cache key addresses.
type Kind string

const (
	KindModel Kind = "model"
	KindData  Kind = "data"
)

// ArtifactKey uniquely addresses one cacheable unit. Immutable.
type ArtifactKey struct {
	Kind       Kind
	CustomerID string
	Variant    string
}

func (k ArtifactKey) String() string {
	if k.Variant == "" {
		return string(k.Kind) + "/" + k.CustomerID
	}
	return string(k.Kind) + "/" + k.CustomerID + "/" + k.Variant
}

// Registry is the provenance document published by the training pipeline
// under customer_tailored/<customer>/latest_model.json.
type Registry struct {
	ModelPath    string    `json:"model_path"`
	EncodersPath string    `json:"encoders_path"`
	ConfigPath   string    `json:"config_path,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// LabelEncoder maps categorical values to the integer codes assigned during
// training. A value outside Classes is an unseen category.
type LabelEncoder struct {
	Classes []string

	index map[string]int
}

func NewLabelEncoder(classes []string) *LabelEncoder {
	e := &LabelEncoder{Classes: classes}
	e.buildIndex()
	return e
}

func (e *LabelEncoder) buildIndex() {
	e.index = make(map[string]int, len(e.Classes))
	for i, c := range e.Classes {
		e.index[c] = i
	}
}

// Transform returns the training-time code for v.
func (e *LabelEncoder) Transform(v string) (int, error) {
	if e == nil {
		return 0, fmt.Errorf("label encoder: nil encoder")
	}
	code, ok := e.index[v]
	if !ok {
		return 0, fmt.Errorf("label encoder: unseen category %q", v)
	}
	return code, nil
}

func (e *LabelEncoder) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Classes []string `json:"classes"`
	}{Classes: e.Classes})
}

func (e *LabelEncoder) UnmarshalJSON(b []byte) error {
	var raw struct {
		Classes []string `json:"classes"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("label encoder: %w", err)
	}
	e.Classes = raw.Classes
	e.buildIndex()
	return nil
}

// EncoderSet holds the fitted encoders of a bundle, keyed by feature name
// (customer_encoder, manufacturer_encoder, region_encoder).
type EncoderSet map[string]*LabelEncoder

// ModelBundle is a trained model plus everything needed to prepare its
// inputs. Never mutated after construction; a refresh replaces the whole
// bundle.
type ModelBundle struct {
	Weights  []byte         `json:"weights"`
	Encoders EncoderSet     `json:"encoders"`
	Config   map[string]any `json:"config,omitempty"`
	Registry Registry       `json:"registry"`
	LoadedAt time.Time      `json:"loaded_at"`
}

// TimeSeriesRecord is one raw measurement row for a customer.
type TimeSeriesRecord struct {
	Timestamp    time.Time          `json:"timestamp"`
	CustomerID   string             `json:"customer_id,omitempty"`
	Manufacturer string             `json:"manufacturer,omitempty"`
	Region       string             `json:"region,omitempty"`
	Values       map[string]float64 `json:"values"`
}

// TimeSeriesFrame is an ordered series of records for one customer.
type TimeSeriesFrame struct {
	Records []TimeSeriesRecord `json:"records"`
}

func (f TimeSeriesFrame) Len() int { return len(f.Records) }

// Normalize sorts records ascending by timestamp and drops duplicate
// timestamps, keeping the last-seen record for each.
func (f TimeSeriesFrame) Normalize() TimeSeriesFrame {
	if len(f.Records) == 0 {
		return f
	}
	recs := make([]TimeSeriesRecord, len(f.Records))
	copy(recs, f.Records)
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})
	out := recs[:0]
	for _, r := range recs {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(r.Timestamp) {
			out[n-1] = r
			continue
		}
		out = append(out, r)
	}
	return TimeSeriesFrame{Records: out}
}

// Recent returns the records newer than now-window. When that cut is empty
// the trailing fallbackN records are returned instead, so a stale feed still
// yields forecast context.
func (f TimeSeriesFrame) Recent(now time.Time, window time.Duration, fallbackN int) TimeSeriesFrame {
	cutoff := now.Add(-window)
	i := sort.Search(len(f.Records), func(i int) bool {
		return !f.Records[i].Timestamp.Before(cutoff)
	})
	if i < len(f.Records) {
		return TimeSeriesFrame{Records: f.Records[i:]}
	}
	if fallbackN <= 0 || len(f.Records) == 0 {
		return TimeSeriesFrame{}
	}
	if fallbackN > len(f.Records) {
		fallbackN = len(f.Records)
	}
	return TimeSeriesFrame{Records: f.Records[len(f.Records)-fallbackN:]}
}

// LastTimestamp returns the timestamp of the final record.
func (f TimeSeriesFrame) LastTimestamp() (time.Time, bool) {
	if len(f.Records) == 0 {
		return time.Time{}, false
	}
	return f.Records[len(f.Records)-1].Timestamp, true
}

// ForecastPoint is one dated prediction. Created fresh per request, never
// persisted by this core.
type ForecastPoint struct {
	Timestamp time.Time          `json:"timestamp"`
	HourAhead int                `json:"hour_ahead"`
	Values    map[string]float64 `json:"values"`
}
