package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/events"
	"github.com/finsight-lab/finsight/internal/providers"
	"github.com/finsight-lab/finsight/internal/store"
)

// fakeCompleter scripts one behavior per attempt; the last entry
// repeats for any further attempts.
type fakeCompleter struct {
	script []func(ctx context.Context) (*providers.Completion, error)
	calls  atomic.Int32
}

func (f *fakeCompleter) Name() string { return "fake" }

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (*providers.Completion, error) {
	n := int(f.calls.Add(1)) - 1
	if n >= len(f.script) {
		n = len(f.script) - 1
	}
	return f.script[n](ctx)
}

func succeed(text string) func(context.Context) (*providers.Completion, error) {
	return func(context.Context) (*providers.Completion, error) {
		return &providers.Completion{Text: text, TokensUsed: 42}, nil
	}
}

func failWith(kind providers.ErrorKind) func(context.Context) (*providers.Completion, error) {
	return func(context.Context) (*providers.Completion, error) {
		return nil, &providers.Error{Provider: "fake", Kind: kind, Err: errors.New("scripted failure")}
	}
}

func hang() func(context.Context) (*providers.Completion, error) {
	return func(ctx context.Context) (*providers.Completion, error) {
		<-ctx.Done()
		return nil, &providers.Error{Provider: "fake", Kind: providers.ErrKindTimeout, Err: ctx.Err()}
	}
}

// fastPolicies mirrors the default table with millisecond delays.
func fastPolicies() RetryPolicies {
	return RetryPolicies{
		providers.ErrKindTimeout:          {Retryable: true, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		providers.ErrKindConnection:       {Retryable: true, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		providers.ErrKindRateLimit:        {Retryable: true, MaxAttempts: 2, BaseDelay: time.Millisecond},
		providers.ErrKindUpstreamRejected: {Retryable: false},
		providers.ErrKindUnknown:          {Retryable: true, MaxAttempts: 2, BaseDelay: time.Millisecond},
	}
}

func testHarness(t *testing.T, fc *fakeCompleter, cfg Config) (*Executor, *store.Store, *events.Broadcaster, string) {
	t.Helper()
	st := store.New(zap.NewNop())
	bc := events.NewBroadcaster(64)
	exec := New(fc, st, bc, cfg, fastPolicies(), zap.NewNop())

	ctx := context.Background()
	id, err := st.Create(ctx, store.Subject{Ticker: "600519"})
	require.NoError(t, err)
	require.NoError(t, st.Begin(ctx, id, []store.TaskSeed{{ID: "t1", Agent: "news"}}))
	return exec, st, bc, id
}

func task(sessionID string) Task {
	return Task{SessionID: sessionID, ID: "t1", Stage: 1, Agent: "news", Prompt: "summarize"}
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	fc := &fakeCompleter{script: []func(context.Context) (*providers.Completion, error){succeed("digest")}}
	exec, st, bc, id := testHarness(t, fc, Config{Segments: 4, SegmentLength: 50 * time.Millisecond})
	ch := bc.Subscribe(id, 16)
	defer bc.Unsubscribe(id, ch)

	status := exec.Execute(context.Background(), task(id))
	assert.Equal(t, store.TaskCompleted, status)

	rec, err := st.GetTask(id, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "digest", rec.Output.Text)
	assert.Equal(t, 42, rec.Output.TokensUsed)

	types := drainTypes(ch)
	assert.Contains(t, types, events.TaskStart)
	assert.Contains(t, types, events.TaskComplete)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	fc := &fakeCompleter{script: []func(context.Context) (*providers.Completion, error){
		failWith(providers.ErrKindConnection),
		succeed("after retry"),
	}}
	exec, st, _, id := testHarness(t, fc, Config{Segments: 2, SegmentLength: 50 * time.Millisecond})

	status := exec.Execute(context.Background(), task(id))
	assert.Equal(t, store.TaskCompleted, status)

	rec, _ := st.GetTask(id, "t1")
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, int32(2), fc.calls.Load())
}

func TestExecuteTimeoutExhaustsRetries(t *testing.T) {
	// Scenario: every attempt is classified TIMEOUT with a policy of
	// 3 attempts; exactly 3 occur and the terminal status is ERROR.
	fc := &fakeCompleter{script: []func(context.Context) (*providers.Completion, error){
		failWith(providers.ErrKindTimeout),
	}}
	exec, st, _, id := testHarness(t, fc, Config{Segments: 2, SegmentLength: 50 * time.Millisecond})

	status := exec.Execute(context.Background(), task(id))
	assert.Equal(t, store.TaskError, status)

	rec, _ := st.GetTask(id, "t1")
	assert.Equal(t, store.TaskError, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, providers.ErrKindTimeout, rec.LastErrorKind)
	assert.Equal(t, int32(3), fc.calls.Load())
}

func TestExecuteUpstreamRejectedNeverRetries(t *testing.T) {
	fc := &fakeCompleter{script: []func(context.Context) (*providers.Completion, error){
		failWith(providers.ErrKindUpstreamRejected),
	}}
	exec, st, _, id := testHarness(t, fc, Config{Segments: 2, SegmentLength: 50 * time.Millisecond})

	status := exec.Execute(context.Background(), task(id))
	assert.Equal(t, store.TaskError, status)

	rec, _ := st.GetTask(id, "t1")
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, providers.ErrKindUpstreamRejected, rec.LastErrorKind)
	assert.Equal(t, int32(1), fc.calls.Load())
}

func TestSegmentedTimeoutAbortsStalledCall(t *testing.T) {
	fc := &fakeCompleter{script: []func(context.Context) (*providers.Completion, error){hang()}}
	exec, st, bc, id := testHarness(t, fc, Config{Segments: 4, SegmentLength: 10 * time.Millisecond})
	ch := bc.Subscribe(id, 64)
	defer bc.Unsubscribe(id, ch)

	start := time.Now()
	status := exec.Execute(context.Background(), task(id))
	assert.Equal(t, store.TaskError, status)
	// 3 attempts of a 40ms budget each, plus small backoffs.
	assert.Less(t, time.Since(start), 2*time.Second)

	rec, _ := st.GetTask(id, "t1")
	assert.Equal(t, providers.ErrKindTimeout, rec.LastErrorKind)
	assert.Equal(t, 3, rec.Attempts)

	// Progress events are emitted at interior segment boundaries.
	assert.Contains(t, drainTypes(ch), events.TaskProgress)
}

func TestExecuteStopsRetryingOnCancel(t *testing.T) {
	fc := &fakeCompleter{script: []func(context.Context) (*providers.Completion, error){
		failWith(providers.ErrKindConnection),
	}}
	exec, st, _, id := testHarness(t, fc, Config{Segments: 2, SegmentLength: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status := exec.Execute(ctx, task(id))
	assert.Equal(t, store.TaskError, status)

	// The cancelled context stops the loop after the first attempt.
	rec, _ := st.GetTask(id, "t1")
	assert.LessOrEqual(t, rec.Attempts, 1)
}

func TestRetryPolicyBackoffCurve(t *testing.T) {
	p := RetryPolicy{Retryable: true, MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, 2*time.Second, p.delayFor(1))
	assert.Equal(t, 4*time.Second, p.delayFor(2))
	assert.Equal(t, 8*time.Second, p.delayFor(3))
	assert.Equal(t, 10*time.Second, p.delayFor(4))

	fixed := RetryPolicy{Retryable: true, MaxAttempts: 2, BaseDelay: 15 * time.Second}
	assert.Equal(t, 15*time.Second, fixed.delayFor(1))
}

func drainTypes(ch chan events.Event) []events.Type {
	var types []events.Type
	for {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		default:
			return types
		}
	}
}
