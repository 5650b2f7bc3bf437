package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMirror(t *testing.T) *Mirror {
	t.Helper()
	srv := miniredis.RunT(t)
	m, err := NewMirror(srv.Addr(), "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMirrorRoundTrip(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()

	st := New(zap.NewNop(), WithMirror(m))
	id, err := st.Create(ctx, Subject{Ticker: "600519"})
	require.NoError(t, err)
	require.NoError(t, st.Begin(ctx, id, []TaskSeed{{ID: "t1", Agent: "news"}}))
	require.NoError(t, st.UpdateTask(ctx, id, TaskUpdate{TaskID: "t1", Status: TaskRunning}))
	require.NoError(t, st.UpdateTask(ctx, id, TaskUpdate{TaskID: "t1", Status: TaskCompleted, Output: &TaskOutput{Text: "digest", TokensUsed: 120}}))

	loaded, err := m.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, loaded.Status)
	assert.Equal(t, "600519", loaded.Subject.Ticker)
	require.Contains(t, loaded.Tasks, "t1")
	assert.Equal(t, TaskCompleted, loaded.Tasks["t1"].Status)
	assert.Equal(t, 120, loaded.Tasks["t1"].Output.TokensUsed)
}

func TestMirrorLoadMissing(t *testing.T) {
	m := newTestMirror(t)
	_, err := m.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMirrorFailureDoesNotFailStore(t *testing.T) {
	srv := miniredis.RunT(t)
	m, err := NewMirror(srv.Addr(), "", zap.NewNop())
	require.NoError(t, err)
	srv.Close()

	st := New(zap.NewNop(), WithMirror(m))
	id, err := st.Create(context.Background(), Subject{Ticker: "AAPL"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestStatusServedFromMirrorAfterEviction(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()

	st := New(zap.NewNop(), WithMirror(m), WithMaxSessions(1))
	old, err := st.Create(ctx, Subject{Ticker: "600519"})
	require.NoError(t, err)
	require.NoError(t, st.Begin(ctx, old, []TaskSeed{{ID: "t1", Agent: "news"}}))
	require.NoError(t, st.UpdateTask(ctx, old, TaskUpdate{TaskID: "t1", Status: TaskRunning}))
	require.NoError(t, st.UpdateTask(ctx, old, TaskUpdate{TaskID: "t1", Status: TaskCompleted, Output: &TaskOutput{Text: "digest"}}))
	require.NoError(t, st.Complete(ctx, old, true, ""))

	// Next Create evicts the completed session from the registry.
	_, err = st.Create(ctx, Subject{Ticker: "AAPL"})
	require.NoError(t, err)
	_, err = st.GetTask(old, "t1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	snap, err := st.GetStatus(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "600519", snap.Subject.Ticker)
	assert.Equal(t, []string{"t1"}, snap.CompletedTaskIDs)
}
