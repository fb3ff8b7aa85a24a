// Package predictor calls the external emission regression model.
package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"example.com/ecoprogress/internal/domain"
)

// Client posts feature tuples to the model service's /predict endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ domain.Predictor = (*Client)(nil)

// NewClient constructs a Client. The domain estimator applies the per-call
// deadline; timeout only caps connections that outlive it.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type predictRequest struct {
	Category string  `json:"category"`
	Subtype  string  `json:"subtype"`
	Value    float64 `json:"value"`
}

type predictResponse struct {
	Prediction *float64 `json:"prediction"`
	Error      string   `json:"error,omitempty"`
}

// Predict returns the model's footprint estimate. A 503 or a null prediction
// means no model is loaded and maps to domain.ErrPredictionUnavailable.
func (c *Client) Predict(ctx context.Context, category, subtype string, quantity float64) (float64, error) {
	body, err := json.Marshal(predictRequest{Category: category, Subtype: subtype, Value: quantity})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return 0, domain.ErrPredictionUnavailable
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("predictor error (%d): %s", resp.StatusCode, data)
	}

	var payload predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode prediction: %w", err)
	}
	if payload.Prediction == nil {
		return 0, domain.ErrPredictionUnavailable
	}
	return *payload.Prediction, nil
}

// HealthCheck reports whether the model service answers.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("predictor health status %d", resp.StatusCode)
	}
	return nil
}
