package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/events"
	"github.com/finsight-lab/finsight/internal/executor"
	"github.com/finsight-lab/finsight/internal/metrics"
	"github.com/finsight-lab/finsight/internal/providers"
	"github.com/finsight-lab/finsight/internal/store"
)

// Config bounds one stage's execution. Concurrency defaults to 3:
// more simultaneous long-prompt calls against one model endpoint push
// tail latency up non-linearly and cascade into timeouts.
type Config struct {
	Concurrency int
	Ceiling     time.Duration
}

// DefaultConfig returns concurrency 3 with a 5 minute stage ceiling.
func DefaultConfig() Config {
	return Config{Concurrency: 3, Ceiling: 5 * time.Minute}
}

// Outcome summarizes a resolved stage barrier.
type Outcome struct {
	Stage      int
	Completed  int
	Errored    int
	CeilingHit bool
	Elapsed    time.Duration
}

// Scheduler runs one stage's task set under a bounded worker pool and
// resolves the stage barrier: every task terminal, or the ceiling
// elapsed, whichever comes first.
type Scheduler struct {
	exec   *executor.Executor
	store  *store.Store
	events *events.Broadcaster
	cfg    Config
	logger *zap.Logger
}

// New creates a stage scheduler.
func New(exec *executor.Executor, st *store.Store, bc *events.Broadcaster, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 5 * time.Minute
	}
	return &Scheduler{
		exec:   exec,
		store:  st,
		events: bc,
		cfg:    cfg,
		logger: logger,
	}
}

// RunStage dispatches the stage's tasks and blocks until the barrier
// resolves. ERROR tasks never abort the stage: later stages tolerate
// missing context. The barrier resolves as soon as every task is
// terminal; the ceiling only bounds the case where some are still
// pending.
func (s *Scheduler) RunStage(ctx context.Context, sessionID string, stage int, tasks []executor.Task) Outcome {
	start := time.Now()
	stageLabel := strconv.Itoa(stage)
	metrics.StagesStarted.WithLabelValues(stageLabel).Inc()

	stageCtx, cancel := context.WithTimeout(ctx, s.cfg.Ceiling)
	defer cancel()

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, task := range tasks {
		// Cooperative cancellation between dispatches: tasks not yet
		// started are simply never dispatched.
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-stageCtx.Done():
		}
		if stageCtx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(task executor.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			s.exec.Execute(stageCtx, task)
		}(task)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	outcome := Outcome{Stage: stage}
	select {
	case <-done:
	case <-stageCtx.Done():
		outcome.CeilingHit = ctx.Err() == nil
		// Executors see the same context; give them a short grace to
		// report before force-classification sweeps up the rest.
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}

	if outcome.CeilingHit {
		metrics.StageCeilingHits.WithLabelValues(stageLabel).Inc()
	}
	// Never-dispatched tasks and any call still unresolved after the
	// grace period are force-classified so the barrier result is
	// always total. The store is the single tally: a late executor
	// report racing the sweep loses to monotonicity either way.
	s.forceTimeouts(sessionID, stage)
	outcome.Completed, outcome.Errored, _ = s.store.StageCounts(sessionID, stage)

	outcome.Elapsed = time.Since(start)
	metrics.StageDuration.WithLabelValues(stageLabel).Observe(outcome.Elapsed.Seconds())
	s.logger.Info("Stage barrier resolved",
		zap.String("session_id", sessionID),
		zap.Int("stage", stage),
		zap.Int("completed", outcome.Completed),
		zap.Int("errored", outcome.Errored),
		zap.Bool("ceiling_hit", outcome.CeilingHit),
		zap.Duration("elapsed", outcome.Elapsed),
	)
	return outcome
}

// forceTimeouts classifies every still-unresolved task as TIMEOUT so
// the barrier always resolves in bounded time.
func (s *Scheduler) forceTimeouts(sessionID string, stage int) {
	unresolved, err := s.store.UnresolvedTasks(sessionID, stage)
	if err != nil {
		return
	}
	s.sweepUnresolved(sessionID, stage, unresolved)
}

func (s *Scheduler) sweepUnresolved(sessionID string, stage int, taskIDs []string) {
	ctx := context.Background()
	for _, taskID := range taskIDs {
		if err := s.store.UpdateTask(ctx, sessionID, store.TaskUpdate{
			TaskID:    taskID,
			Status:    store.TaskError,
			ErrorKind: providers.ErrKindTimeout,
		}); err != nil {
			s.logger.Warn("Failed to force-classify task",
				zap.String("session_id", sessionID),
				zap.String("task_id", taskID),
				zap.Error(err),
			)
			continue
		}
		s.events.Publish(events.Event{
			SessionID: sessionID,
			Type:      events.TaskError,
			TaskID:    taskID,
			Stage:     stage,
			Message:   string(providers.ErrKindTimeout),
		})
	}
}
