package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/events"
	"github.com/finsight-lab/finsight/internal/metrics"
	"github.com/finsight-lab/finsight/internal/providers"
	"github.com/finsight-lab/finsight/internal/ratecontrol"
	"github.com/finsight-lab/finsight/internal/store"
)

// Task is one agent's unit of work: a prompt against the completion
// provider. The underlying call is a pure read, so repeating it on
// retry is safe.
type Task struct {
	SessionID string
	ID        string
	Stage     int
	Agent     string
	Prompt    string
	Sources   []string
}

// Config holds the segmented-timeout budget. The total budget is
// Segments * SegmentLength; completion is checked at every segment
// boundary so a permanently stalled call is detected before the full
// budget elapses.
type Config struct {
	Segments      int
	SegmentLength time.Duration
}

// DefaultConfig returns 4 segments of 30s: a 120s total budget.
func DefaultConfig() Config {
	return Config{Segments: 4, SegmentLength: 30 * time.Second}
}

// Executor runs one task to a terminal status: segmented timeout,
// classified in-place retries, exactly one terminal store update.
// Stateless across tasks and safe for concurrent use.
type Executor struct {
	completer providers.CompletionProvider
	store     *store.Store
	events    *events.Broadcaster
	limiter   *ratecontrol.Limiter
	policies  RetryPolicies
	cfg       Config
	logger    *zap.Logger
}

// New creates an executor.
func New(completer providers.CompletionProvider, st *store.Store, bc *events.Broadcaster, cfg Config, policies RetryPolicies, logger *zap.Logger) *Executor {
	if cfg.Segments <= 0 {
		cfg.Segments = 4
	}
	if cfg.SegmentLength <= 0 {
		cfg.SegmentLength = 30 * time.Second
	}
	if policies == nil {
		policies = DefaultRetryPolicies()
	}
	return &Executor{
		completer: completer,
		store:     st,
		events:    bc,
		limiter:   ratecontrol.NewLimiter(),
		policies:  policies,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute drives one task to COMPLETED or ERROR and reports the
// terminal status to the store exactly once.
func (e *Executor) Execute(ctx context.Context, task Task) store.TaskStatus {
	start := time.Now()
	if err := e.store.UpdateTask(ctx, task.SessionID, store.TaskUpdate{
		TaskID: task.ID,
		Status: store.TaskRunning,
	}); err != nil {
		e.logger.Warn("Failed to mark task running",
			zap.String("session_id", task.SessionID),
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
	e.events.Publish(events.Event{
		SessionID: task.SessionID,
		Type:      events.TaskStart,
		TaskID:    task.ID,
		Agent:     task.Agent,
		Stage:     task.Stage,
	})

	var lastKind providers.ErrorKind
	attempt := 0
	for {
		attempt++

		if err := e.paceDispatch(ctx, task); err != nil {
			lastKind = providers.Classify(err)
			break
		}

		out, err := e.attempt(ctx, task)
		if err == nil {
			metrics.TaskAttempts.WithLabelValues(task.Agent, "ok").Inc()
			metrics.TaskDuration.WithLabelValues(task.Agent).Observe(time.Since(start).Seconds())
			metrics.TaskTokensUsed.Observe(float64(out.TokensUsed))
			e.finish(ctx, task, store.TaskUpdate{
				TaskID:   task.ID,
				Status:   store.TaskCompleted,
				Attempts: attempt,
				Output: &store.TaskOutput{
					Text:       out.Text,
					Model:      out.Model,
					TokensUsed: out.TokensUsed,
					Sources:    task.Sources,
				},
			})
			return store.TaskCompleted
		}

		lastKind = providers.Classify(err)
		metrics.TaskAttempts.WithLabelValues(task.Agent, string(lastKind)).Inc()
		e.logger.Warn("Task attempt failed",
			zap.String("session_id", task.SessionID),
			zap.String("task_id", task.ID),
			zap.String("agent", task.Agent),
			zap.Int("attempt", attempt),
			zap.String("error_kind", string(lastKind)),
			zap.Error(err),
		)

		policy := e.policies.For(lastKind)
		if !policy.Retryable || attempt >= policy.MaxAttempts {
			break
		}
		// Cancellation is cooperative: checked between attempts, never
		// mid-call beyond the current segment.
		if ctx.Err() != nil {
			break
		}
		metrics.TaskRetries.WithLabelValues(string(lastKind)).Inc()
		if !sleepCtx(ctx, policy.delayFor(attempt)) {
			break
		}
	}

	metrics.TaskDuration.WithLabelValues(task.Agent).Observe(time.Since(start).Seconds())
	e.finish(ctx, task, store.TaskUpdate{
		TaskID:    task.ID,
		Status:    store.TaskError,
		Attempts:  attempt,
		ErrorKind: lastKind,
	})
	return store.TaskError
}

// attempt performs one segmented call. The call runs against the full
// budget; at every segment boundary the executor checks whether it
// finished, publishing a progress event while it is still pending.
// After the final segment the call is aborted and surfaces as a
// timeout.
func (e *Executor) attempt(ctx context.Context, task Task) (*providers.Completion, error) {
	budget := time.Duration(e.cfg.Segments) * e.cfg.SegmentLength
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		out *providers.Completion
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := e.completer.Complete(callCtx, task.Prompt)
		done <- result{out, err}
	}()

	for seg := 1; seg <= e.cfg.Segments; seg++ {
		timer := time.NewTimer(e.cfg.SegmentLength)
		select {
		case res := <-done:
			timer.Stop()
			return res.out, res.err
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			if seg < e.cfg.Segments {
				e.events.Publish(events.Event{
					SessionID: task.SessionID,
					Type:      events.TaskProgress,
					TaskID:    task.ID,
					Agent:     task.Agent,
					Stage:     task.Stage,
					Message:   "call still pending at segment boundary",
				})
			}
		}
	}

	cancel()
	return nil, &providers.Error{
		Provider: e.completer.Name(),
		Kind:     providers.ErrKindTimeout,
		Err:      context.DeadlineExceeded,
	}
}

// paceDispatch applies rate control before an outbound call: the
// cost-based delay first, then the provider's token bucket.
func (e *Executor) paceDispatch(ctx context.Context, task Task) error {
	estimated := len(task.Prompt) / 4
	if delay := ratecontrol.DelayForRequest(e.completer.Name(), "", estimated); delay > 0 {
		metrics.RateLimitDelays.WithLabelValues(e.completer.Name()).Inc()
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
	return e.limiter.Wait(ctx, e.completer.Name())
}

// finish reports the terminal status and emits the matching event.
func (e *Executor) finish(ctx context.Context, task Task, upd store.TaskUpdate) {
	if err := e.store.UpdateTask(ctx, task.SessionID, upd); err != nil {
		e.logger.Warn("Failed to record terminal task status",
			zap.String("session_id", task.SessionID),
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
	evt := events.Event{
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Agent:     task.Agent,
		Stage:     task.Stage,
	}
	if upd.Status == store.TaskCompleted {
		evt.Type = events.TaskComplete
	} else {
		evt.Type = events.TaskError
		evt.Message = string(upd.ErrorKind)
	}
	e.events.Publish(evt)
}

// sleepCtx sleeps for d unless the context is done first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
