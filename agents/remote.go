package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trade-consensus/models"
	"trade-consensus/services"
)

// forecastRequest is the body posted to a remote forecast service
type forecastRequest struct {
	Symbol   string                `json:"symbol"`
	Snapshot models.MarketSnapshot `json:"snapshot"`
}

// RemoteProvider is a ForecastProvider backed by an HTTP forecast service.
// The service answers POST {baseURL}/forecast with a pick and
// GET {baseURL}/health with 200 while it is ready.
type RemoteProvider struct {
	name       string
	baseURL    string
	httpClient *http.Client
	retry      services.RetryConfig
}

// NewRemoteProvider creates a RemoteProvider for the named agent
func NewRemoteProvider(name, baseURL string) *RemoteProvider {
	return &RemoteProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		retry:      services.DefaultRetryConfig,
	}
}

func (p *RemoteProvider) Name() string {
	return p.name
}

// Generate requests a pick for symbol. Client errors (4xx) are not retried.
func (p *RemoteProvider) Generate(ctx context.Context, symbol string, snapshot models.MarketSnapshot) (*models.Pick, error) {
	body, err := json.Marshal(forecastRequest{Symbol: symbol, Snapshot: snapshot})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var pick models.Pick
	err = services.WithRetry(ctx, p.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/forecast", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: failed to create request: %v", services.ErrPermanent, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to call %s: %w", p.name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return fmt.Errorf("%w: %s returned status %d: %s", services.ErrPermanent, p.name, resp.StatusCode, strings.TrimSpace(string(msg)))
			}
			return fmt.Errorf("%s returned status %d", p.name, resp.StatusCode)
		}

		pick = models.Pick{}
		if err := json.NewDecoder(resp.Body).Decode(&pick); err != nil {
			return fmt.Errorf("%w: failed to decode pick: %v", services.ErrPermanent, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pick, nil
}

// IsAvailable calls the service's health endpoint
func (p *RemoteProvider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Compile-time interface verification
var (
	_ ForecastProvider = (*RemoteProvider)(nil)
	_ HealthChecker    = (*RemoteProvider)(nil)
)
