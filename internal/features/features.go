package features

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/AsobaCloud/platform-edge/internal/model"
	"github.com/AsobaCloud/platform-edge/internal/observability"
)

// PrimaryMetric drives the statistical, lag and rolling features.
const PrimaryMetric = "kWh"

// TargetColumns are the metrics the model predicts, in the fixed order the
// inference output is decoded with.
var TargetColumns = []string{"kWh", "kVArh", "kVA", "PF"}

// metadata columns that must never reach the model input, should a feed
// ever carry them as numbers
var excludedColumns = map[string]bool{
	"timestamp":     true,
	"customer_id":   true,
	"manufacturer":  true,
	"region":        true,
	"location":      true,
	"client_id":     true,
	"serial_number": true,
	"datetime":      true,
}

// Prepare derives the inference feature frame for one customer. The output
// has exactly one row per input record and no missing cells. Unseen
// categories encode to 0 rather than failing the pipeline.
func Prepare(frame model.TimeSeriesFrame, customerID string, encoders model.EncoderSet, log zerolog.Logger) *Frame {
	frame = frame.Normalize()
	n := frame.Len()

	timestamps := make([]time.Time, n)
	for i, r := range frame.Records {
		timestamps[i] = r.Timestamp
	}
	f := NewFrame(timestamps)

	for _, name := range rawColumns(frame) {
		col := make([]float64, n)
		for i, r := range frame.Records {
			if v, ok := r.Values[name]; ok {
				col[i] = v
			} else {
				col[i] = math.NaN()
			}
		}
		f.SetCol(name, col)
	}

	encodeCategorical(f, frame, customerID, encoders, log)
	calendarFeatures(f)

	if f.Has(PrimaryMetric) {
		statisticalFeatures(f)
		lagFeatures(f)
		rollingFeatures(f)
	}

	f.fill()
	return f
}

func rawColumns(frame model.TimeSeriesFrame) []string {
	seen := map[string]bool{}
	var names []string
	for _, r := range frame.Records {
		for name := range r.Values {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

func encodeCategorical(f *Frame, frame model.TimeSeriesFrame, customerID string, encoders model.EncoderSet, log zerolog.Logger) {
	encode := func(out string, enc *model.LabelEncoder, raw func(model.TimeSeriesRecord) string) {
		col := make([]float64, f.Len())
		fallbacks := 0
		for i, r := range frame.Records {
			v := raw(r)
			if enc == nil || v == "" {
				fallbacks++
				continue
			}
			code, err := enc.Transform(v)
			if err != nil {
				fallbacks++
				continue
			}
			col[i] = float64(code)
		}
		if fallbacks > 0 {
			observability.IncEncodingFallback(out)
			log.Debug().Str("feature", out).Int("rows", fallbacks).
				Msg("unseen or absent category, default encoding applied")
		}
		f.SetCol(out, col)
	}

	encode("customer_encoded", encoders["customer_encoder"], func(r model.TimeSeriesRecord) string {
		if r.CustomerID != "" {
			return r.CustomerID
		}
		return customerID
	})
	encode("manufacturer_encoded", encoders["manufacturer_encoder"], func(r model.TimeSeriesRecord) string {
		return r.Manufacturer
	})
	encode("region_encoded", encoders["region_encoder"], func(r model.TimeSeriesRecord) string {
		return r.Region
	})
}

func calendarFeatures(f *Frame) {
	n := f.Len()
	hour := make([]float64, n)
	dow := make([]float64, n)
	month := make([]float64, n)
	weekend := make([]float64, n)
	for i, ts := range f.Timestamps {
		hour[i] = float64(ts.Hour())
		// Monday=0 .. Sunday=6
		d := (int(ts.Weekday()) + 6) % 7
		dow[i] = float64(d)
		month[i] = float64(ts.Month())
		if d >= 5 {
			weekend[i] = 1
		}
	}
	f.SetCol("hour", hour)
	f.SetCol("day_of_week", dow)
	f.SetCol("month", month)
	f.SetCol("is_weekend", weekend)
}

// statisticalFeatures broadcasts frame-level constants of the primary metric
// plus an hour-of-day grouped mean and two ratio columns. Manufacturer stats
// are the customer stats reused as a proxy, matching the trained model's
// inputs.
func statisticalFeatures(f *Frame) {
	kwh := f.Col(PrimaryMetric)
	mean := nanMean(kwh)
	std := nanStd(kwh)
	min, max := nanMinMax(kwh)

	f.constCol("customer_kwh_mean", mean)
	f.constCol("customer_kwh_std", std)
	f.constCol("customer_kwh_min", min)
	f.constCol("customer_kwh_max", max)

	f.constCol("mfg_kwh_mean", mean)
	f.constCol("mfg_kwh_std", std)
	f.constCol("mfg_kwh_min", min)
	f.constCol("mfg_kwh_max", max)

	f.SetCol("regional_hourly_kwh_mean", hourlyGroupMean(f.Timestamps, kwh))

	n := f.Len()
	vsCustomer := make([]float64, n)
	vsMfg := make([]float64, n)
	for i, v := range kwh {
		vsCustomer[i] = v / (mean + 1e-8)
		vsMfg[i] = v / (mean + 1e-8)
	}
	f.SetCol("kwh_vs_customer_mean", vsCustomer)
	f.SetCol("kwh_vs_mfg_mean", vsMfg)
}

func lagFeatures(f *Frame) {
	kwh := f.Col(PrimaryMetric)
	n := f.Len()

	lag1 := make([]float64, n)
	for i := range lag1 {
		if i == 0 {
			lag1[i] = math.NaN()
		} else {
			lag1[i] = kwh[i-1]
		}
	}
	f.SetCol("kwh_lag_1h", lag1)

	if n > 24 {
		lag24 := make([]float64, n)
		for i := range lag24 {
			if i < 24 {
				lag24[i] = math.NaN()
			} else {
				lag24[i] = kwh[i-24]
			}
		}
		f.SetCol("kwh_lag_24h", lag24)
	} else {
		// short frames carry the frame mean as a constant stand-in
		f.constCol("kwh_lag_24h", nanMean(kwh))
	}
}

func rollingFeatures(f *Frame) {
	kwh := f.Col(PrimaryMetric)
	n := f.Len()
	rmean := make([]float64, n)
	rstd := make([]float64, n)
	for i := range kwh {
		lo := i - 5
		if lo < 0 {
			lo = 0
		}
		window := kwh[lo : i+1]
		rmean[i] = nanMean(window)
		rstd[i] = nanStd(window)
	}
	f.SetCol("kwh_rolling_mean_6h", rmean)
	f.SetCol("kwh_rolling_std_6h", rstd)
}

// FeatureColumns returns the model-input column names in frame order,
// excluding targets and metadata.
func FeatureColumns(f *Frame) []string {
	targets := map[string]bool{}
	for _, t := range TargetColumns {
		targets[t] = true
	}
	var out []string
	for _, name := range f.Columns() {
		if targets[name] || excludedColumns[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}

// AvailableTargets returns the target columns present in f, in canonical
// order.
func AvailableTargets(f *Frame) []string {
	var out []string
	for _, t := range TargetColumns {
		if f.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// NaN-skipping aggregates. An all-NaN input yields NaN, which the final
// fill pass resolves.

func nanMean(vals []float64) float64 {
	sum, n := 0.0, 0
	for _, v := range vals {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// nanStd is the sample standard deviation (ddof=1). Fewer than two values
// yields NaN.
func nanStd(vals []float64) float64 {
	mean := nanMean(vals)
	if math.IsNaN(mean) {
		return math.NaN()
	}
	sum, n := 0.0, 0
	for _, v := range vals {
		if !math.IsNaN(v) {
			d := v - mean
			sum += d * d
			n++
		}
	}
	if n < 2 {
		return math.NaN()
	}
	return math.Sqrt(sum / float64(n-1))
}

func nanMinMax(vals []float64) (min, max float64) {
	min, max = math.NaN(), math.NaN()
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(min) || v < min {
			min = v
		}
		if math.IsNaN(max) || v > max {
			max = v
		}
	}
	return min, max
}

func hourlyGroupMean(timestamps []time.Time, vals []float64) []float64 {
	var sum, cnt [24]float64
	for i, ts := range timestamps {
		if math.IsNaN(vals[i]) {
			continue
		}
		h := ts.Hour()
		sum[h] += vals[i]
		cnt[h]++
	}
	out := make([]float64, len(vals))
	for i, ts := range timestamps {
		h := ts.Hour()
		if cnt[h] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum[h] / cnt[h]
	}
	return out
}
