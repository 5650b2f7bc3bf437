package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/metrics"
)

// MarketDataConfig configures the subject data client.
type MarketDataConfig struct {
	BaseURL string
	APIKey  string
}

// HTTPMarketDataProvider fetches structured financial facts over HTTP.
type HTTPMarketDataProvider struct {
	cfg    MarketDataConfig
	client *http.Client
	logger *zap.Logger
}

func NewHTTPMarketDataProvider(cfg MarketDataConfig, logger *zap.Logger) *HTTPMarketDataProvider {
	return &HTTPMarketDataProvider{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

func (p *HTTPMarketDataProvider) Name() string { return "marketdata" }

// Fetch returns subject facts. Like Complete, it reports classified
// errors and leaves the deadline to the caller's context.
func (p *HTTPMarketDataProvider) Fetch(ctx context.Context, ticker string) (*SubjectData, error) {
	url := fmt.Sprintf("%s/v1/subjects/%s", p.cfg.BaseURL, ticker)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Provider: p.Name(), Kind: ErrKindUnknown, Err: err}
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	metrics.ProviderLatency.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := transportKind(err)
		metrics.ProviderRequests.WithLabelValues(p.Name(), string(kind)).Inc()
		return nil, &Error{Provider: p.Name(), Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := kindFromStatus(resp.StatusCode)
		metrics.ProviderRequests.WithLabelValues(p.Name(), string(kind)).Inc()
		return nil, &Error{
			Provider:   p.Name(),
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var data SubjectData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		metrics.ProviderRequests.WithLabelValues(p.Name(), string(ErrKindUnknown)).Inc()
		return nil, &Error{Provider: p.Name(), Kind: ErrKindUnknown, Err: err}
	}
	data.FetchedAt = time.Now()
	if data.Ticker == "" {
		data.Ticker = ticker
	}

	metrics.ProviderRequests.WithLabelValues(p.Name(), "ok").Inc()
	return &data, nil
}
