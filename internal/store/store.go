package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/metrics"
)

// Store is the authoritative record of all analysis sessions. The
// registry map has its own short-lived lock; each session carries a
// per-session mutex so concurrent completions for one session are
// serialized without unrelated sessions contending.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*entry
	mirror      *Mirror
	logger      *zap.Logger
	maxSessions int
	onEvict     func(sessionID string)
}

type entry struct {
	mu sync.Mutex
	s  *Session
}

// Option configures a Store.
type Option func(*Store)

// WithMirror attaches a best-effort external mirror.
func WithMirror(m *Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithMaxSessions caps concurrently tracked sessions.
func WithMaxSessions(n int) Option {
	return func(s *Store) { s.maxSessions = n }
}

// WithEvictionHook registers a callback invoked with the id of each
// session evicted at the cap, so sibling caches (the event replay
// ring) can release theirs too.
func WithEvictionHook(fn func(sessionID string)) Option {
	return func(s *Store) { s.onEvict = fn }
}

// New creates a session store.
func New(logger *zap.Logger, opts ...Option) *Store {
	st := &Store{
		sessions:    make(map[string]*entry),
		logger:      logger,
		maxSessions: 1000,
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Create allocates a new session in CREATED state with an empty task
// set. At the cap, the oldest terminal sessions are evicted first
// (the mirror keeps their snapshots until TTL); Create fails only
// when the cap is filled by live sessions.
func (st *Store) Create(ctx context.Context, subject Subject) (string, error) {
	st.mu.Lock()
	evicted := st.evictTerminalLocked()
	if len(st.sessions) >= st.maxSessions {
		st.mu.Unlock()
		st.notifyEvicted(evicted)
		return "", fmt.Errorf("create session: %w", ErrTooManySessions)
	}
	id := uuid.New().String()
	e := &entry{s: &Session{
		ID:        id,
		Subject:   subject,
		Status:    StatusCreated,
		CreatedAt: time.Now(),
		Tasks:     make(map[string]*TaskRecord),
	}}
	st.sessions[id] = e
	st.mu.Unlock()

	st.notifyEvicted(evicted)
	st.logger.Info("Created session",
		zap.String("session_id", id),
		zap.String("ticker", subject.Ticker),
	)
	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()
	st.mirrorSave(ctx, e)
	return id, nil
}

// Begin transitions CREATED -> RUNNING, sets stage 1 and seeds its
// task records as PENDING.
func (st *Store) Begin(ctx context.Context, sessionID string, seeds []TaskSeed) error {
	e, err := st.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.s.Status != StatusCreated {
		status := e.s.Status
		e.mu.Unlock()
		st.logger.Warn("Rejected invalid transition",
			zap.String("session_id", sessionID),
			zap.String("from", string(status)),
			zap.String("to", string(StatusRunning)),
		)
		return fmt.Errorf("begin session %s in state %s: %w", sessionID, status, ErrInvalidState)
	}
	e.s.Status = StatusRunning
	e.s.Stage = 1
	seedTasks(e.s, 1, seeds)
	e.mu.Unlock()

	st.logger.Info("Session running",
		zap.String("session_id", sessionID),
		zap.Int("stage_tasks", len(seeds)),
	)
	st.mirrorSave(ctx, e)
	return nil
}

// InitStage advances a RUNNING session to the given stage and seeds
// its task records. The stage number never decreases.
func (st *Store) InitStage(ctx context.Context, sessionID string, stage int, seeds []TaskSeed) error {
	e, err := st.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.s.Status != StatusRunning {
		status := e.s.Status
		e.mu.Unlock()
		return fmt.Errorf("init stage on session %s in state %s: %w", sessionID, status, ErrInvalidState)
	}
	if stage < e.s.Stage {
		cur := e.s.Stage
		e.mu.Unlock()
		return fmt.Errorf("stage %d below current %d: %w", stage, cur, ErrInvalidState)
	}
	e.s.Stage = stage
	seedTasks(e.s, stage, seeds)
	e.mu.Unlock()

	st.mirrorSave(ctx, e)
	return nil
}

// UpdateTask applies one task mutation. On a terminal session the
// update is logged and dropped: a lingering retry racing a
// cancellation is expected, not an error. Task transitions are
// monotonic; a late update against a terminal record is dropped the
// same way.
func (st *Store) UpdateTask(ctx context.Context, sessionID string, upd TaskUpdate) error {
	e, err := st.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.s.Status.Terminal() {
		e.mu.Unlock()
		st.logger.Debug("Dropped task update for terminal session",
			zap.String("session_id", sessionID),
			zap.String("task_id", upd.TaskID),
		)
		return nil
	}
	rec, ok := e.s.Tasks[upd.TaskID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("task %s in session %s: %w", upd.TaskID, sessionID, ErrTaskNotFound)
	}
	if !validTaskTransition(rec.Status, upd.Status) {
		from := rec.Status
		e.mu.Unlock()
		if from.Terminal() {
			st.logger.Debug("Dropped task update for terminal task",
				zap.String("session_id", sessionID),
				zap.String("task_id", upd.TaskID),
				zap.String("status", string(from)),
			)
			return nil
		}
		return fmt.Errorf("task %s transition %s -> %s: %w", upd.TaskID, from, upd.Status, ErrInvalidState)
	}

	rec.Status = upd.Status
	if upd.Attempts > 0 {
		rec.Attempts = upd.Attempts
	}
	switch upd.Status {
	case TaskRunning:
		rec.StartedAt = time.Now()
	case TaskCompleted:
		rec.Output = upd.Output
		rec.FinishedAt = time.Now()
	case TaskError:
		rec.LastErrorKind = upd.ErrorKind
		rec.FinishedAt = time.Now()
	}
	e.mu.Unlock()

	st.mirrorSave(ctx, e)
	return nil
}

// GetStatus returns the poll-surface snapshot for a session. When
// the id is not in the registry (evicted at the cap) the mirror, if
// configured, serves a read-only snapshot until its TTL expires.
func (st *Store) GetStatus(ctx context.Context, sessionID string) (*StatusSnapshot, error) {
	e, err := st.lookup(sessionID)
	if err != nil {
		return st.mirroredStatus(ctx, sessionID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return statusSnapshot(e.s), nil
}

func (st *Store) mirroredStatus(ctx context.Context, sessionID string, lookupErr error) (*StatusSnapshot, error) {
	if st.mirror == nil {
		return nil, lookupErr
	}
	s, err := st.mirror.Load(ctx, sessionID)
	if err != nil {
		return nil, lookupErr
	}
	st.logger.Debug("Served session status from mirror",
		zap.String("session_id", sessionID),
	)
	return statusSnapshot(s), nil
}

func statusSnapshot(s *Session) *StatusSnapshot {
	snap := &StatusSnapshot{
		SessionID: s.ID,
		Subject:   s.Subject,
		Stage:     s.Stage,
		Status:    s.Status,
		Error:     s.Error,
	}
	for _, id := range s.TaskOrder {
		if rec := s.Tasks[id]; rec != nil && rec.Status == TaskCompleted {
			snap.CompletedTaskIDs = append(snap.CompletedTaskIDs, id)
		}
	}
	end := time.Now()
	if !s.CompletedAt.IsZero() {
		end = s.CompletedAt
	}
	snap.Elapsed = end.Sub(s.CreatedAt)
	return snap
}

// GetTask returns a copy of one task's full record.
func (st *Store) GetTask(sessionID, taskID string) (*TaskRecord, error) {
	e, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.s.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s in session %s: %w", taskID, sessionID, ErrTaskNotFound)
	}
	cp := *rec
	if rec.Output != nil {
		out := *rec.Output
		cp.Output = &out
	}
	return &cp, nil
}

// StageOutputs returns the completed outputs of one stage, keyed by
// agent name. Errored tasks are simply absent.
func (st *Store) StageOutputs(sessionID string, stage int) (map[string]TaskOutput, error) {
	e, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]TaskOutput)
	for _, rec := range e.s.Tasks {
		if rec.Stage == stage && rec.Status == TaskCompleted && rec.Output != nil {
			out[rec.Agent] = *rec.Output
		}
	}
	return out, nil
}

// StageCounts returns how many of a stage's tasks completed and how
// many errored.
func (st *Store) StageCounts(sessionID string, stage int) (completed, errored int, err error) {
	e, err := st.lookup(sessionID)
	if err != nil {
		return 0, 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range e.s.Tasks {
		if rec.Stage != stage {
			continue
		}
		switch rec.Status {
		case TaskCompleted:
			completed++
		case TaskError:
			errored++
		}
	}
	return completed, errored, nil
}

// UnresolvedTasks returns ids of stage tasks not yet terminal; the
// scheduler force-classifies these when the stage ceiling elapses.
func (st *Store) UnresolvedTasks(sessionID string, stage int) ([]string, error) {
	e, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for _, id := range e.s.TaskOrder {
		rec := e.s.Tasks[id]
		if rec != nil && rec.Stage == stage && !rec.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Complete transitions RUNNING -> {COMPLETED|FAILED}. A session that
// never started (CREATED) may fail directly. Idempotent: completing
// an already-terminal session is a no-op.
func (st *Store) Complete(ctx context.Context, sessionID string, success bool, errMsg string) error {
	e, err := st.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.s.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	if e.s.Status == StatusCreated && success {
		e.mu.Unlock()
		return fmt.Errorf("complete session %s before begin: %w", sessionID, ErrInvalidState)
	}
	if success {
		e.s.Status = StatusCompleted
	} else {
		e.s.Status = StatusFailed
		e.s.Error = errMsg
	}
	e.s.CompletedAt = time.Now()
	final := e.s.Status
	elapsed := e.s.CompletedAt.Sub(e.s.CreatedAt)
	e.mu.Unlock()

	st.logger.Info("Session finished",
		zap.String("session_id", sessionID),
		zap.String("status", string(final)),
		zap.Duration("elapsed", elapsed),
	)
	metrics.SessionsActive.Dec()
	metrics.SessionsCompleted.WithLabelValues(string(final)).Inc()
	metrics.SessionDuration.Observe(elapsed.Seconds())
	st.mirrorSave(ctx, e)
	return nil
}

// Cancel transitions RUNNING -> CANCELLED. Cancelling an already
// terminal session is a no-op; any other state is rejected.
func (st *Store) Cancel(ctx context.Context, sessionID string) error {
	e, err := st.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.s.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	if e.s.Status != StatusRunning {
		status := e.s.Status
		e.mu.Unlock()
		st.logger.Warn("Rejected invalid transition",
			zap.String("session_id", sessionID),
			zap.String("from", string(status)),
			zap.String("to", string(StatusCancelled)),
		)
		return fmt.Errorf("cancel session %s in state %s: %w", sessionID, status, ErrInvalidState)
	}
	e.s.Status = StatusCancelled
	e.s.CompletedAt = time.Now()
	e.mu.Unlock()

	st.logger.Info("Session cancelled", zap.String("session_id", sessionID))
	metrics.SessionsActive.Dec()
	metrics.SessionsCompleted.WithLabelValues(string(StatusCancelled)).Inc()
	st.mirrorSave(ctx, e)
	return nil
}

// Snapshot returns a deep copy of the full session for archival.
func (st *Store) Snapshot(sessionID string) (*Session, error) {
	e, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copySession(e.s), nil
}

// evictTerminalLocked removes the oldest terminal sessions once the
// registry reaches the cap, making room for exactly one more. The
// mirror copy is left in place so evicted sessions stay readable
// until TTL. Caller holds st.mu.
func (st *Store) evictTerminalLocked() []string {
	if len(st.sessions) < st.maxSessions {
		return nil
	}
	type candidate struct {
		id  string
		end time.Time
	}
	var terminal []candidate
	for id, e := range st.sessions {
		e.mu.Lock()
		if e.s.Status.Terminal() {
			terminal = append(terminal, candidate{id: id, end: e.s.CompletedAt})
		}
		e.mu.Unlock()
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].end.Before(terminal[j].end) })

	need := len(st.sessions) - st.maxSessions + 1
	var evicted []string
	for _, c := range terminal {
		if len(evicted) >= need {
			break
		}
		delete(st.sessions, c.id)
		evicted = append(evicted, c.id)
	}
	return evicted
}

// notifyEvicted runs outside st.mu so the hook can take its own
// locks.
func (st *Store) notifyEvicted(ids []string) {
	for _, id := range ids {
		st.logger.Debug("Evicted terminal session", zap.String("session_id", id))
		if st.onEvict != nil {
			st.onEvict(id)
		}
	}
}

func (st *Store) lookup(sessionID string) (*entry, error) {
	st.mu.RLock()
	e, ok := st.sessions[sessionID]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return e, nil
}

func seedTasks(s *Session, stage int, seeds []TaskSeed) {
	for _, seed := range seeds {
		s.Tasks[seed.ID] = &TaskRecord{
			ID:     seed.ID,
			Stage:  stage,
			Agent:  seed.Agent,
			Status: TaskPending,
		}
		s.TaskOrder = append(s.TaskOrder, seed.ID)
	}
}

func copySession(s *Session) *Session {
	cp := *s
	cp.Tasks = make(map[string]*TaskRecord, len(s.Tasks))
	for id, rec := range s.Tasks {
		r := *rec
		if rec.Output != nil {
			out := *rec.Output
			r.Output = &out
		}
		cp.Tasks[id] = &r
	}
	cp.TaskOrder = append([]string(nil), s.TaskOrder...)
	return &cp
}

// mirrorSave pushes a snapshot to the external mirror. Best effort:
// mirror failures are logged and never fail the in-memory update.
func (st *Store) mirrorSave(ctx context.Context, e *entry) {
	if st.mirror == nil {
		return
	}
	e.mu.Lock()
	snap := copySession(e.s)
	e.mu.Unlock()
	if err := st.mirror.Save(ctx, snap); err != nil {
		metrics.MirrorWrites.WithLabelValues("error").Inc()
		st.logger.Warn("Session mirror write failed",
			zap.String("session_id", snap.ID),
			zap.Error(err),
		)
		return
	}
	metrics.MirrorWrites.WithLabelValues("ok").Inc()
}
