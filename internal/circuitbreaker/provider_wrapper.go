package circuitbreaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/providers"
)

// CompletionWrapper guards a completion provider with a circuit
// breaker. A tripped breaker surfaces as a classified connection
// error so the executor's retry policy applies unchanged.
type CompletionWrapper struct {
	inner providers.CompletionProvider
	cb    *CircuitBreaker
}

func NewCompletionWrapper(inner providers.CompletionProvider, logger *zap.Logger) *CompletionWrapper {
	return &CompletionWrapper{
		inner: inner,
		cb:    NewCircuitBreaker("completion", GetProviderConfig().ToConfig(), logger),
	}
}

func (w *CompletionWrapper) Name() string { return w.inner.Name() }

func (w *CompletionWrapper) Complete(ctx context.Context, prompt string) (*providers.Completion, error) {
	var out *providers.Completion
	err := w.cb.Execute(ctx, func() error {
		var innerErr error
		out, innerErr = w.inner.Complete(ctx, prompt)
		return innerErr
	})
	if err != nil {
		return nil, wrapBreakerErr(w.inner.Name(), err)
	}
	return out, nil
}

// MarketDataWrapper guards a market data provider the same way.
type MarketDataWrapper struct {
	inner providers.MarketDataProvider
	cb    *CircuitBreaker
}

func NewMarketDataWrapper(inner providers.MarketDataProvider, logger *zap.Logger) *MarketDataWrapper {
	return &MarketDataWrapper{
		inner: inner,
		cb:    NewCircuitBreaker("marketdata", GetProviderConfig().ToConfig(), logger),
	}
}

func (w *MarketDataWrapper) Name() string { return w.inner.Name() }

func (w *MarketDataWrapper) Fetch(ctx context.Context, ticker string) (*providers.SubjectData, error) {
	var out *providers.SubjectData
	err := w.cb.Execute(ctx, func() error {
		var innerErr error
		out, innerErr = w.inner.Fetch(ctx, ticker)
		return innerErr
	})
	if err != nil {
		return nil, wrapBreakerErr(w.inner.Name(), err)
	}
	return out, nil
}

func wrapBreakerErr(provider string, err error) error {
	if errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, ErrTooManyRequests) {
		return &providers.Error{Provider: provider, Kind: providers.ErrKindConnection, Err: err}
	}
	return err
}
