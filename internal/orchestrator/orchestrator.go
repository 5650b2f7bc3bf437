package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/agents"
	"github.com/finsight-lab/finsight/internal/events"
	"github.com/finsight-lab/finsight/internal/executor"
	"github.com/finsight-lab/finsight/internal/providers"
	"github.com/finsight-lab/finsight/internal/scheduler"
	"github.com/finsight-lab/finsight/internal/store"
)

// Archiver persists a finished session for post-hoc inspection.
// Archival is an enhancement, never load-bearing.
type Archiver interface {
	ArchiveSession(ctx context.Context, s *store.Session) error
}

// Orchestrator drives a session through its four stages in strict
// sequence and finalizes it. Each stage's descriptors are built from
// the prior stage's accumulated outputs, so stages parallelize only
// within themselves.
type Orchestrator struct {
	store      *store.Store
	sched      *scheduler.Scheduler
	events     *events.Broadcaster
	marketData providers.MarketDataProvider
	archiver   Archiver
	logger     *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithArchiver attaches optional session archival.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// New creates an orchestrator.
func New(st *store.Store, sched *scheduler.Scheduler, bc *events.Broadcaster, marketData providers.MarketDataProvider, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		sched:      sched,
		events:     bc,
		marketData: marketData,
		logger:     logger,
		cancels:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run creates and begins a session, then runs its stages in the
// background. The returned id is live immediately for status polls
// and subscriptions.
func (o *Orchestrator) Run(ctx context.Context, subject store.Subject) (string, error) {
	sessionID, err := o.store.Create(ctx, subject)
	if err != nil {
		return "", fmt.Errorf("run analysis: %w", err)
	}
	if err := o.store.Begin(ctx, sessionID, agents.Seeds(agents.StageCollection)); err != nil {
		_ = o.store.Complete(ctx, sessionID, false, err.Error())
		o.events.Publish(events.Event{
			SessionID: sessionID,
			Type:      events.SessionError,
			Message:   "failed to start analysis",
		})
		return "", fmt.Errorf("run analysis: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[sessionID] = cancel
	o.mu.Unlock()

	go o.runStages(runCtx, sessionID, subject)
	return sessionID, nil
}

// Cancel stops future work for a session: the cooperative flag is
// checked between stage dispatches and between retry attempts, so an
// in-flight call only stops at its next segment boundary.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	if err := o.store.Cancel(ctx, sessionID); err != nil {
		return err
	}
	o.mu.Lock()
	cancel := o.cancels[sessionID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	// Cancel on an already-terminal session is a no-op; only announce
	// sessions that actually transitioned.
	if snap, err := o.store.GetStatus(ctx, sessionID); err == nil && snap.Status == store.StatusCancelled {
		o.events.Publish(events.Event{
			SessionID: sessionID,
			Type:      events.SessionError,
			Message:   "analysis cancelled",
		})
	}
	return nil
}

func (o *Orchestrator) runStages(ctx context.Context, sessionID string, subject store.Subject) {
	defer func() {
		o.mu.Lock()
		if cancel := o.cancels[sessionID]; cancel != nil {
			cancel()
			delete(o.cancels, sessionID)
		}
		o.mu.Unlock()
	}()

	plan := agents.NewPlan(subject, o.fetchSubjectData(ctx, subject))

	prior := map[string]store.TaskOutput{}
	for stage := agents.StageCollection; stage <= agents.StageCount; stage++ {
		if ctx.Err() != nil {
			return
		}
		if stage > agents.StageCollection {
			if err := o.store.InitStage(ctx, sessionID, stage, agents.Seeds(stage)); err != nil {
				// A cancelled session rejects the transition; anything
				// else is orchestration-fatal.
				if ctx.Err() == nil {
					o.failSession(sessionID, err)
				}
				return
			}
		}

		o.events.Publish(events.Event{
			SessionID: sessionID,
			Type:      events.StageStart,
			Stage:     stage,
		})

		descs := plan.StageTasks(stage, prior)
		tasks := make([]executor.Task, len(descs))
		for i, d := range descs {
			tasks[i] = executor.Task{
				SessionID: sessionID,
				ID:        d.TaskID,
				Stage:     stage,
				Agent:     d.Agent,
				Prompt:    d.Prompt,
				Sources:   d.Sources,
			}
		}

		outcome := o.sched.RunStage(ctx, sessionID, stage, tasks)
		o.events.Publish(events.Event{
			SessionID: sessionID,
			Type:      events.StageComplete,
			Stage:     stage,
			Message:   strconv.Itoa(outcome.Completed) + " completed, " + strconv.Itoa(outcome.Errored) + " errored",
		})

		// Degraded continuation: whatever completed feeds the next
		// stage; errored agents are simply absent.
		var err error
		prior, err = o.store.StageOutputs(sessionID, stage)
		if err != nil {
			o.failSession(sessionID, err)
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := o.store.Complete(context.Background(), sessionID, true, ""); err != nil {
		o.logger.Warn("Failed to complete session",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}
	snap, err := o.store.GetStatus(ctx, sessionID)
	if err != nil || snap.Status != store.StatusCompleted {
		return
	}
	o.events.Publish(events.Event{
		SessionID: sessionID,
		Type:      events.SessionComplete,
		Stage:     agents.StageCount,
	})
	o.archive(sessionID)
}

// fetchSubjectData pulls structured facts for the subject. Best
// effort: a failed fetch degrades collection prompts instead of
// failing the run.
func (o *Orchestrator) fetchSubjectData(ctx context.Context, subject store.Subject) *providers.SubjectData {
	if o.marketData == nil {
		return nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	data, err := o.marketData.Fetch(fetchCtx, subject.Ticker)
	if err != nil {
		o.logger.Warn("Subject data fetch failed, continuing degraded",
			zap.String("ticker", subject.Ticker),
			zap.String("error_kind", string(providers.Classify(err))),
			zap.Error(err),
		)
		return nil
	}
	return data
}

func (o *Orchestrator) failSession(sessionID string, cause error) {
	if err := o.store.Complete(context.Background(), sessionID, false, cause.Error()); err != nil {
		o.logger.Warn("Failed to fail session",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
	o.events.Publish(events.Event{
		SessionID: sessionID,
		Type:      events.SessionError,
		Message:   "analysis aborted",
	})
}

// archive writes the finished session through the optional archiver.
func (o *Orchestrator) archive(sessionID string) {
	if o.archiver == nil {
		return
	}
	snap, err := o.store.Snapshot(sessionID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.archiver.ArchiveSession(ctx, snap); err != nil {
		o.logger.Warn("Session archive failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}
