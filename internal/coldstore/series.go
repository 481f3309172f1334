package coldstore

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/AsobaCloud/platform-edge/internal/model"
)

// SeriesLoader reads a customer's raw measurement series from the input
// bucket.
type SeriesLoader struct {
	s3     *Client
	bucket string
	log    zerolog.Logger
	now    func() time.Time
}

func NewSeriesLoader(s3 *Client, bucket string, log zerolog.Logger) *SeriesLoader {
	return &SeriesLoader{s3: s3, bucket: bucket, log: log, now: time.Now}
}

const seriesPrefix = "total/"

// metadata columns that are never parsed as metrics
var textColumns = map[string]bool{
	"timestamp":     true,
	"datetime":      true,
	"customer_id":   true,
	"manufacturer":  true,
	"region":        true,
	"location":      true,
	"client_id":     true,
	"serial_number": true,
}

// LoadRecent locates the customer's total_load.csv under the series prefix,
// parses it, and cuts it to the recent window. When nothing falls inside the
// window the trailing fallbackN records are kept instead.
func (l *SeriesLoader) LoadRecent(ctx context.Context, customerID string, window time.Duration, fallbackN int) (model.TimeSeriesFrame, error) {
	keys, err := l.s3.ListKeys(ctx, l.bucket, seriesPrefix)
	if err != nil {
		return model.TimeSeriesFrame{}, fmt.Errorf("series listing for %s: %w", customerID, err)
	}

	var objectKey string
	for _, k := range keys {
		if strings.HasSuffix(k, "total_load.csv") && strings.Contains(k, "/"+customerID+"/") {
			objectKey = k
			break
		}
	}
	if objectKey == "" {
		return model.TimeSeriesFrame{}, fmt.Errorf("%w: no total_load.csv for customer %s", ErrNotFound, customerID)
	}

	raw, err := l.s3.GetBlob(ctx, l.bucket, objectKey)
	if err != nil {
		return model.TimeSeriesFrame{}, fmt.Errorf("series blob %s: %w", objectKey, err)
	}

	frame, skipped, err := parseSeriesCSV(raw)
	if err != nil {
		return model.TimeSeriesFrame{}, fmt.Errorf("series parse %s: %w", objectKey, err)
	}
	if skipped > 0 {
		l.log.Warn().Int("rows", skipped).Str("key", objectKey).Msg("series rows skipped during parse")
	}

	recent := frame.Normalize().Recent(l.now().UTC(), window, fallbackN)
	if recent.Len() == 0 {
		return model.TimeSeriesFrame{}, fmt.Errorf("%w: no usable records for customer %s", ErrNotFound, customerID)
	}
	l.log.Debug().Int("rows", recent.Len()).Str("customer_id", customerID).Msg("series loaded")
	return recent, nil
}

// parseSeriesCSV decodes the measurement CSV. Rows with an unparseable
// timestamp are skipped and counted; unparseable metric cells are left
// missing for the feature pipeline's fill policy.
func parseSeriesCSV(raw []byte) (model.TimeSeriesFrame, int, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return model.TimeSeriesFrame{}, 0, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	tsCol, ok := cols["timestamp"]
	if !ok {
		return model.TimeSeriesFrame{}, 0, fmt.Errorf("missing timestamp column")
	}

	var frame model.TimeSeriesFrame
	skipped := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.TimeSeriesFrame{}, skipped, fmt.Errorf("read row: %w", err)
		}
		if tsCol >= len(row) {
			skipped++
			continue
		}
		ts := parseTimestamp(strings.TrimSpace(row[tsCol]))
		if ts.IsZero() {
			skipped++
			continue
		}

		rec := model.TimeSeriesRecord{Timestamp: ts, Values: map[string]float64{}}
		for name, idx := range cols {
			if idx >= len(row) {
				continue
			}
			cell := strings.TrimSpace(row[idx])
			if cell == "" {
				continue
			}
			switch name {
			case "customer_id":
				rec.CustomerID = cell
			case "manufacturer":
				rec.Manufacturer = cell
			case "region":
				rec.Region = cell
			default:
				if textColumns[name] {
					continue
				}
				if v, err := strconv.ParseFloat(cell, 64); err == nil {
					rec.Values[name] = v
				}
			}
		}
		frame.Records = append(frame.Records, rec)
	}
	return frame, skipped, nil
}
