package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/agents"
	"github.com/finsight-lab/finsight/internal/events"
	"github.com/finsight-lab/finsight/internal/executor"
	"github.com/finsight-lab/finsight/internal/providers"
	"github.com/finsight-lab/finsight/internal/scheduler"
	"github.com/finsight-lab/finsight/internal/store"
)

// routedCompleter picks a behavior by prompt substring; anything
// unmatched succeeds immediately. Prompts are recorded for folding
// assertions.
type routedCompleter struct {
	mu      sync.Mutex
	prompts []string
	routes  map[string]func(ctx context.Context) (*providers.Completion, error)
	calls   atomic.Int32
	hung    atomic.Int32
}

func (r *routedCompleter) Name() string { return "fake" }

func (r *routedCompleter) Complete(ctx context.Context, prompt string) (*providers.Completion, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.prompts = append(r.prompts, prompt)
	r.mu.Unlock()
	for marker, fn := range r.routes {
		if strings.Contains(prompt, marker) {
			return fn(ctx)
		}
	}
	return &providers.Completion{Text: "analysis of " + firstLine(prompt), TokensUsed: 10}, nil
}

func (r *routedCompleter) promptContaining(marker string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.prompts {
		if strings.Contains(p, marker) {
			return p
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func rejectUpstream(context.Context) (*providers.Completion, error) {
	return nil, &providers.Error{Provider: "fake", Kind: providers.ErrKindUpstreamRejected, StatusCode: 400, Err: errors.New("bad request")}
}

type fakeMarketData struct {
	data *providers.SubjectData
	err  error
}

func (f *fakeMarketData) Name() string { return "fake" }

func (f *fakeMarketData) Fetch(ctx context.Context, ticker string) (*providers.SubjectData, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func testSubjectData() *providers.SubjectData {
	return &providers.SubjectData{
		Ticker:    "600519",
		Name:      "Kweichow Moutai",
		Quote:     &providers.Quote{Last: 1700.50, Change: -12.3, ChangePct: -0.72, Volume: 2500000},
		Headlines: []string{"Q2 revenue beats estimates"},
		FetchedAt: time.Now(),
	}
}

func newTestOrchestrator(t *testing.T, rc *routedCompleter, md providers.MarketDataProvider) (*Orchestrator, *store.Store, *events.Broadcaster) {
	t.Helper()
	logger := zap.NewNop()
	st := store.New(logger)
	bc := events.NewBroadcaster(256)
	exec := executor.New(rc, st, bc, executor.Config{Segments: 4, SegmentLength: 50 * time.Millisecond}, fastPolicies(), logger)
	sched := scheduler.New(exec, st, bc, scheduler.Config{Concurrency: 3, Ceiling: 5 * time.Second}, logger)
	return New(st, sched, bc, md, logger), st, bc
}

func fastPolicies() executor.RetryPolicies {
	return executor.RetryPolicies{
		providers.ErrKindTimeout:          {Retryable: true, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		providers.ErrKindConnection:       {Retryable: true, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		providers.ErrKindRateLimit:        {Retryable: true, MaxAttempts: 2, BaseDelay: time.Millisecond},
		providers.ErrKindUpstreamRejected: {Retryable: false, MaxAttempts: 1},
		providers.ErrKindUnknown:          {Retryable: true, MaxAttempts: 2, BaseDelay: time.Millisecond},
	}
}

func waitTerminal(t *testing.T, st *store.Store, sessionID string) *store.StatusSnapshot {
	t.Helper()
	var snap *store.StatusSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = st.GetStatus(context.Background(), sessionID)
		require.NoError(t, err)
		return snap.Status != store.StatusCreated && snap.Status != store.StatusRunning
	}, 10*time.Second, 10*time.Millisecond)
	return snap
}

func TestRunAllStagesComplete(t *testing.T) {
	rc := &routedCompleter{}
	orch, st, bc := newTestOrchestrator(t, rc, &fakeMarketData{data: testSubjectData()})

	id, err := orch.Run(context.Background(), store.Subject{Ticker: "600519", Name: "Kweichow Moutai"})
	require.NoError(t, err)

	snap := waitTerminal(t, st, id)
	assert.Equal(t, store.StatusCompleted, snap.Status)
	assert.Equal(t, agents.StageCount, snap.Stage)
	assert.Len(t, snap.CompletedTaskIDs, 12)
	assert.Equal(t, int32(12), rc.calls.Load())

	rec, err := st.GetTask(id, agents.TaskID(agents.StageSynthesis, "synthesis"))
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, rec.Status)
	require.NotNil(t, rec.Output)
	assert.Equal(t, 1, rec.Attempts)

	// Stage events arrive in stage order with a final session_complete.
	history := bc.ReplaySince(id, 0)
	var stageStarts []int
	sawComplete := false
	for _, ev := range history {
		switch ev.Type {
		case events.StageStart:
			stageStarts = append(stageStarts, ev.Stage)
		case events.SessionComplete:
			sawComplete = true
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4}, stageStarts)
	assert.True(t, sawComplete)

	// Collection prompts folded the fetched facts; specialist prompts
	// folded the collection briefings.
	assert.Contains(t, rc.promptContaining("price_action data collector"), "last=1700.50")
	assert.Contains(t, rc.promptContaining("technical analyst"), "[price_action]")
}

func TestRunContinuesDegradedPastFailedAgent(t *testing.T) {
	rc := &routedCompleter{routes: map[string]func(context.Context) (*providers.Completion, error){
		"news data collector": rejectUpstream,
	}}
	orch, st, _ := newTestOrchestrator(t, rc, &fakeMarketData{data: testSubjectData()})

	id, err := orch.Run(context.Background(), store.Subject{Ticker: "600519"})
	require.NoError(t, err)

	snap := waitTerminal(t, st, id)
	assert.Equal(t, store.StatusCompleted, snap.Status)
	assert.Len(t, snap.CompletedTaskIDs, 11)

	rec, err := st.GetTask(id, agents.TaskID(agents.StageCollection, "news"))
	require.NoError(t, err)
	assert.Equal(t, store.TaskError, rec.Status)
	assert.Equal(t, providers.ErrKindUpstreamRejected, rec.LastErrorKind)
	assert.Equal(t, 1, rec.Attempts)

	// The failed agent's briefing is absent from later prompts.
	p := rc.promptContaining("sentiment analyst")
	require.NotEmpty(t, p)
	assert.NotContains(t, p, "[news]")
}

func TestRunDegradesWhenMarketDataUnavailable(t *testing.T) {
	rc := &routedCompleter{}
	orch, st, _ := newTestOrchestrator(t, rc, &fakeMarketData{err: errors.New("feed down")})

	id, err := orch.Run(context.Background(), store.Subject{Ticker: "600519"})
	require.NoError(t, err)

	snap := waitTerminal(t, st, id)
	assert.Equal(t, store.StatusCompleted, snap.Status)
	assert.Contains(t, rc.promptContaining("news data collector"), "unavailable")
}

func TestCancelMidStageStopsFurtherStages(t *testing.T) {
	stageTwoRunning := make(chan struct{})
	var once sync.Once
	rc := &routedCompleter{routes: map[string]func(context.Context) (*providers.Completion, error){
		"assessment from the briefings": func(ctx context.Context) (*providers.Completion, error) {
			once.Do(func() { close(stageTwoRunning) })
			<-ctx.Done()
			return nil, &providers.Error{Provider: "fake", Kind: providers.ErrKindTimeout, Err: ctx.Err()}
		},
	}}
	orch, st, bc := newTestOrchestrator(t, rc, &fakeMarketData{data: testSubjectData()})

	id, err := orch.Run(context.Background(), store.Subject{Ticker: "600519"})
	require.NoError(t, err)

	select {
	case <-stageTwoRunning:
	case <-time.After(10 * time.Second):
		t.Fatal("stage 2 never started")
	}
	require.NoError(t, orch.Cancel(context.Background(), id))

	snap, err := st.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, snap.Status)

	// Wait for the interrupted stage to unwind, then confirm debate
	// was never seeded or dispatched.
	require.Eventually(t, func() bool {
		for _, ev := range bc.ReplaySince(id, 0) {
			if ev.Type == events.StageComplete && ev.Stage == agents.StageSpecialist {
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)
	assert.Empty(t, rc.promptContaining("Role: debater"))
	_, err = st.GetTask(id, agents.TaskID(agents.StageDebate, "bull_case"))
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	history := bc.ReplaySince(id, 0)
	sawCancelled := false
	for _, ev := range history {
		if ev.Type == events.SessionError && ev.Message == "analysis cancelled" {
			sawCancelled = true
		}
	}
	assert.True(t, sawCancelled)
}

func TestCancelCompletedSessionIsNoOp(t *testing.T) {
	rc := &routedCompleter{}
	orch, st, bc := newTestOrchestrator(t, rc, &fakeMarketData{data: testSubjectData()})

	id, err := orch.Run(context.Background(), store.Subject{Ticker: "600519"})
	require.NoError(t, err)
	waitTerminal(t, st, id)

	require.NoError(t, orch.Cancel(context.Background(), id))
	snap, err := st.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, snap.Status)

	for _, ev := range bc.ReplaySince(id, 0) {
		assert.NotEqual(t, "analysis cancelled", ev.Message)
	}
}

type recordingArchiver struct {
	mu       sync.Mutex
	sessions []*store.Session
}

func (r *recordingArchiver) ArchiveSession(ctx context.Context, s *store.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
	return nil
}

func TestCompletedSessionIsArchived(t *testing.T) {
	rc := &routedCompleter{}
	arch := &recordingArchiver{}
	logger := zap.NewNop()
	st := store.New(logger)
	bc := events.NewBroadcaster(256)
	exec := executor.New(rc, st, bc, executor.Config{Segments: 4, SegmentLength: 50 * time.Millisecond}, fastPolicies(), logger)
	sched := scheduler.New(exec, st, bc, scheduler.Config{Concurrency: 3, Ceiling: 5 * time.Second}, logger)
	orch := New(st, sched, bc, &fakeMarketData{data: testSubjectData()}, logger, WithArchiver(arch))

	id, err := orch.Run(context.Background(), store.Subject{Ticker: "600519"})
	require.NoError(t, err)
	waitTerminal(t, st, id)

	require.Eventually(t, func() bool {
		arch.mu.Lock()
		defer arch.mu.Unlock()
		return len(arch.sessions) == 1
	}, 2*time.Second, 10*time.Millisecond)
	arch.mu.Lock()
	defer arch.mu.Unlock()
	assert.Equal(t, id, arch.sessions[0].ID)
	assert.Equal(t, store.StatusCompleted, arch.sessions[0].Status)
}
