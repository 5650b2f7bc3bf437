package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/metrics"
)

// CompletionConfig configures the HTTP completion client.
type CompletionConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

// HTTPCompletionProvider calls an OpenAI-compatible completion endpoint.
type HTTPCompletionProvider struct {
	cfg    CompletionConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPCompletionProvider creates a completion client. The HTTP
// client carries no timeout of its own: deadlines always come from
// the caller's context so the executor owns the time budget.
func NewHTTPCompletionProvider(cfg CompletionConfig, logger *zap.Logger) *HTTPCompletionProvider {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}
	return &HTTPCompletionProvider{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

func (p *HTTPCompletionProvider) Name() string { return "completion" }

type completionRequest struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete performs one inference request. Failures come back as a
// classified *Error so callers never parse message text.
func (p *HTTPCompletionProvider) Complete(ctx context.Context, prompt string) (*Completion, error) {
	body, err := json.Marshal(completionRequest{
		Model:     p.cfg.Model,
		Messages:  []message{{Role: "user", Content: prompt}},
		MaxTokens: p.cfg.MaxTokens,
	})
	if err != nil {
		return nil, &Error{Provider: p.Name(), Kind: ErrKindUnknown, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: p.Name(), Kind: ErrKindUnknown, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
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
		// Drain a bounded amount for the diagnostic log only.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		p.logger.Warn("Completion request rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("kind", string(kind)),
			zap.ByteString("detail", detail),
		)
		return nil, &Error{
			Provider:   p.Name(),
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		metrics.ProviderRequests.WithLabelValues(p.Name(), string(ErrKindUnknown)).Inc()
		return nil, &Error{Provider: p.Name(), Kind: ErrKindUnknown, Err: err}
	}
	if len(cr.Choices) == 0 {
		metrics.ProviderRequests.WithLabelValues(p.Name(), string(ErrKindUpstreamRejected)).Inc()
		return nil, &Error{Provider: p.Name(), Kind: ErrKindUpstreamRejected, Err: errors.New("empty choices")}
	}

	metrics.ProviderRequests.WithLabelValues(p.Name(), "ok").Inc()
	return &Completion{
		Text:       cr.Choices[0].Message.Content,
		Model:      cr.Model,
		TokensUsed: cr.Usage.TotalTokens,
		FinishedAt: time.Now(),
	}, nil
}

// transportKind classifies a round-trip error from the transport
// itself: the cause is known here, before any status code exists.
func transportKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ErrKindTimeout
		}
	}
	return ErrKindConnection
}
