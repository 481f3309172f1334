// Package forecast composes cached artifacts, feature preparation, windowing
// and the external model into dated forecasts.
package forecast

import (
	"time"

	"github.com/AsobaCloud/platform-edge/internal/model"
)

// Assemble dates the model's per-window prediction vectors. Predictions are
// ordered oldest window first; the latest window describes the nearest
// future hour, so hour_ahead=1 takes the final vector, hour_ahead=2 the one
// before it, and so on. At most min(horizon, len(predictions)) points are
// produced. A vector shorter than targets fills only the targets it can.
func Assemble(predictions [][]float64, lastTimestamp time.Time, horizon int, targets []string) []model.ForecastPoint {
	n := horizon
	if len(predictions) < n {
		n = len(predictions)
	}
	points := make([]model.ForecastPoint, 0, n)
	for i := 1; i <= n; i++ {
		vec := predictions[len(predictions)-i]
		values := make(map[string]float64, len(targets))
		for j, name := range targets {
			if j >= len(vec) {
				break
			}
			values[name+"_forecast"] = vec[j]
		}
		points = append(points, model.ForecastPoint{
			Timestamp: lastTimestamp.Add(time.Duration(i) * time.Hour),
			HourAhead: i,
			Values:    values,
		})
	}
	return points
}
