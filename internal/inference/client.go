// Package inference calls the external model runtime. The runtime owns the
// model itself; this package owns the shape contract: it sends
// [windows, length, features] and expects [windows, targets] back.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AsobaCloud/platform-edge/internal/model"
)

// Predictor runs one batch of sequence windows through a customer's model.
type Predictor interface {
	Predict(ctx context.Context, bundle *model.ModelBundle, windows [][][]float64) ([][]float64, error)
}

type predictRequest struct {
	ModelPath string        `json:"model_path"`
	Sequences [][][]float64 `json:"sequences"`
}

type predictResponse struct {
	Predictions [][]float64 `json:"predictions"`
}

// HTTPPredictor delegates inference to an external HTTP runtime.
type HTTPPredictor struct {
	endpoint string
	client   *http.Client
}

func NewHTTPPredictor(endpoint string) *HTTPPredictor {
	return &HTTPPredictor{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 2,
			},
		},
	}
}

func (p *HTTPPredictor) Predict(ctx context.Context, bundle *model.ModelBundle, windows [][][]float64) ([][]float64, error) {
	if len(windows) == 0 {
		return nil, fmt.Errorf("inference: empty window batch")
	}

	body, err := json.Marshal(predictRequest{
		ModelPath: bundle.Registry.ModelPath,
		Sequences: windows,
	})
	if err != nil {
		return nil, fmt.Errorf("inference: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("inference: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference: http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("inference: http %d: %s", resp.StatusCode, snippet)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("inference: decode response: %w", err)
	}
	if len(out.Predictions) != len(windows) {
		return nil, fmt.Errorf("inference: expected %d prediction vectors, got %d", len(windows), len(out.Predictions))
	}
	return out.Predictions, nil
}
