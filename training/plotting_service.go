package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// HTTPSinkConfig contains configuration for the dashboard sink
type HTTPSinkConfig struct {
	BaseURL       string        `json:"base_url"`
	ModelName     string        `json:"model_name"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// PlottingResponse represents the response from the plotting service
type PlottingResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	BatchID      string `json:"batch_id,omitempty"`
	DashboardURL string `json:"dashboard_url,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// DefaultHTTPSinkConfig returns default configuration for the dashboard sink
func DefaultHTTPSinkConfig() HTTPSinkConfig {
	return HTTPSinkConfig{
		BaseURL:       "http://localhost:8080",
		ModelName:     "model",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// HTTPSink buffers scalars and posts them as plots to a dashboard
// sidecar on Flush.
type HTTPSink struct {
	config     HTTPSinkConfig
	httpClient *http.Client
	collector  *ScalarCollector
}

// NewHTTPSink creates a new dashboard sink
func NewHTTPSink(config HTTPSinkConfig) *HTTPSink {
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	return &HTTPSink{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		collector:  NewScalarCollector(config.ModelName),
	}
}

// AddScalar buffers one value.
func (s *HTTPSink) AddScalar(tag string, value float64, step int) {
	s.collector.AddScalar(tag, value, step)
}

// CheckHealth checks if the dashboard is available
func (s *HTTPSink) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BaseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "creating health check request")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending health check request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Send posts plots in a single batch request
func (s *HTTPSink) Send(ctx context.Context, plots []PlotData) (*PlottingResponse, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"plots": plots,
		"batch": true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshaling plot data")
	}

	url := fmt.Sprintf("%s/api/batch-plot", s.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "creating HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-disttrain")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sending HTTP request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}
	var out PlottingResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrapf(err, "parsing response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return &out, errors.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, out.Message)
	}
	return &out, nil
}

// SendWithRetry retries Send up to RetryAttempts times.
func (s *HTTPSink) SendWithRetry(ctx context.Context, plots []PlotData) (*PlottingResponse, error) {
	var lastErr error
	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		resp, err := s.Send(ctx, plots)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt < s.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.config.RetryDelay):
			}
		}
	}
	return nil, errors.WithMessagef(lastErr, "sending plots failed after %d attempts", s.config.RetryAttempts)
}

// Flush posts everything buffered so far and clears the buffer on success.
func (s *HTTPSink) Flush(ctx context.Context) error {
	plots := s.collector.Plots()
	if len(plots) == 0 {
		return nil
	}
	if _, err := s.SendWithRetry(ctx, plots); err != nil {
		return err
	}
	s.collector.Clear()
	return nil
}
