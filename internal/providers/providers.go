package providers

import (
	"context"
	"time"
)

// Completion is the result of one language-model call.
type Completion struct {
	Text       string    `json:"text"`
	Model      string    `json:"model"`
	TokensUsed int       `json:"tokens_used"`
	FinishedAt time.Time `json:"finished_at"`
}

// CompletionProvider performs one language-model inference request.
// Calls are pure reads: safe to repeat on retry.
type CompletionProvider interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
	Name() string
}

// Quote is a point-in-time price snapshot for a subject.
type Quote struct {
	Last      float64 `json:"last"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
	Volume    int64   `json:"volume"`
}

// SubjectData holds structured financial facts for one subject.
type SubjectData struct {
	Ticker       string            `json:"ticker"`
	Name         string            `json:"name"`
	Quote        *Quote            `json:"quote,omitempty"`
	Fundamentals map[string]string `json:"fundamentals,omitempty"`
	Headlines    []string          `json:"headlines,omitempty"`
	FetchedAt    time.Time         `json:"fetched_at"`
}

// MarketDataProvider returns structured financial facts for a subject.
type MarketDataProvider interface {
	Fetch(ctx context.Context, ticker string) (*SubjectData, error)
	Name() string
}
