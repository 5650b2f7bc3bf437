package clientsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/store"
)

type fakeClient struct {
	statusCalls atomic.Int32
	cancelCalls atomic.Int32
	snap        *store.StatusSnapshot
	statusErr   error
	cancelErr   error
}

func (f *fakeClient) Status(ctx context.Context, sessionID string) (*store.StatusSnapshot, error) {
	f.statusCalls.Add(1)
	return f.snap, f.statusErr
}

func (f *fakeClient) Cancel(ctx context.Context, sessionID string) error {
	f.cancelCalls.Add(1)
	return f.cancelErr
}

func newTestSync(t *testing.T, client *fakeClient) (*Synchronizer, *FileStore) {
	t.Helper()
	fs := NewFileStore(filepath.Join(t.TempDir(), "state", "session.json"))
	return NewSynchronizer(fs, client, zap.NewNop()), fs
}

func liveFingerprint(sessionID string) *Fingerprint {
	return &Fingerprint{
		SessionID:   sessionID,
		IsAnalyzing: true,
		SavedAt:     time.Now(),
		Version:     FormatVersion,
	}
}

func TestDecide(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		fp   *Fingerprint
		want Decision
	}{
		{"nil", nil, DecisionDiscard},
		{"live", &Fingerprint{SessionID: "s1", IsAnalyzing: true, SavedAt: now, Version: FormatVersion}, DecisionResume},
		{"force stopped", &Fingerprint{SessionID: "s1", IsAnalyzing: true, SavedAt: now, Version: FormatVersion, ForceStopped: true}, DecisionDiscard},
		{"stale", &Fingerprint{SessionID: "s1", IsAnalyzing: true, SavedAt: now.Add(-31 * time.Minute), Version: FormatVersion}, DecisionDiscard},
		{"version mismatch", &Fingerprint{SessionID: "s1", IsAnalyzing: true, SavedAt: now, Version: FormatVersion + 1}, DecisionDiscard},
		{"not analyzing", &Fingerprint{SessionID: "s1", SavedAt: now, Version: FormatVersion}, DecisionDiscard},
		{"no session", &Fingerprint{IsAnalyzing: true, SavedAt: now, Version: FormatVersion}, DecisionDiscard},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.fp, now))
		})
	}
}

// A force-stopped fingerprint even inside the staleness window is
// discarded with zero server contact.
func TestResumeForceStoppedNeverContactsServer(t *testing.T) {
	client := &fakeClient{}
	sync, fs := newTestSync(t, client)

	fp := liveFingerprint("sess-1")
	fp.ForceStopped = true
	require.NoError(t, fs.Save(fp))

	snap, err := sync.Resume(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, int32(0), client.statusCalls.Load())
	assert.Equal(t, int32(0), client.cancelCalls.Load())

	left, err := fs.Load()
	require.NoError(t, err)
	assert.Nil(t, left)
}

func TestResumeLiveSession(t *testing.T) {
	client := &fakeClient{snap: &store.StatusSnapshot{
		SessionID: "sess-1",
		Stage:     2,
		Status:    store.StatusRunning,
	}}
	sync, fs := newTestSync(t, client)
	require.NoError(t, fs.Save(liveFingerprint("sess-1")))

	snap, err := sync.Resume(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, store.StatusRunning, snap.Status)
	assert.Equal(t, 2, snap.Stage)

	// Fingerprint stays tracked with a refreshed timestamp.
	left, err := fs.Load()
	require.NoError(t, err)
	require.NotNil(t, left)
	assert.True(t, left.IsAnalyzing)
}

func TestResumeServerSaysTerminal(t *testing.T) {
	client := &fakeClient{snap: &store.StatusSnapshot{
		SessionID: "sess-1",
		Status:    store.StatusCompleted,
	}}
	sync, fs := newTestSync(t, client)
	require.NoError(t, fs.Save(liveFingerprint("sess-1")))

	snap, err := sync.Resume(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)

	left, err := fs.Load()
	require.NoError(t, err)
	assert.Nil(t, left)
}

func TestResumeServerSaysUnknown(t *testing.T) {
	client := &fakeClient{statusErr: store.ErrSessionNotFound}
	sync, fs := newTestSync(t, client)
	require.NoError(t, fs.Save(liveFingerprint("sess-1")))

	snap, err := sync.Resume(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)

	left, err := fs.Load()
	require.NoError(t, err)
	assert.Nil(t, left)
}

func TestResumeTransientServerErrorKeepsFingerprint(t *testing.T) {
	client := &fakeClient{statusErr: errors.New("connection refused")}
	sync, fs := newTestSync(t, client)
	require.NoError(t, fs.Save(liveFingerprint("sess-1")))

	_, err := sync.Resume(context.Background())
	require.Error(t, err)

	left, err := fs.Load()
	require.NoError(t, err)
	require.NotNil(t, left)
	assert.Equal(t, "sess-1", left.SessionID)
}

func TestStopPersistsFlagBeforeCancel(t *testing.T) {
	client := &fakeClient{cancelErr: errors.New("connection refused")}
	sync, fs := newTestSync(t, client)
	require.NoError(t, fs.Save(liveFingerprint("sess-1")))

	err := sync.Stop(context.Background())
	require.Error(t, err)

	// The flag stuck even though the server cancel failed, so the next
	// startup can never resume this session.
	left, err := fs.Load()
	require.NoError(t, err)
	require.NotNil(t, left)
	assert.True(t, left.ForceStopped)
	assert.False(t, left.IsAnalyzing)
	assert.Equal(t, DecisionDiscard, Decide(left, time.Now()))
}

func TestStopWithoutFingerprintIsNoOp(t *testing.T) {
	client := &fakeClient{}
	sync, _ := newTestSync(t, client)

	require.NoError(t, sync.Stop(context.Background()))
	assert.Equal(t, int32(0), client.cancelCalls.Load())
}

func TestStopToleratesAlreadyTerminal(t *testing.T) {
	client := &fakeClient{cancelErr: store.ErrInvalidState}
	sync, fs := newTestSync(t, client)
	require.NoError(t, fs.Save(liveFingerprint("sess-1")))

	require.NoError(t, sync.Stop(context.Background()))
	assert.Equal(t, int32(1), client.cancelCalls.Load())
}

func TestTrack(t *testing.T) {
	sync, fs := newTestSync(t, &fakeClient{})

	require.NoError(t, sync.Track("sess-9"))
	fp, err := fs.Load()
	require.NoError(t, err)
	require.NotNil(t, fp)
	assert.Equal(t, "sess-9", fp.SessionID)
	assert.True(t, fp.IsAnalyzing)
	assert.Equal(t, FormatVersion, fp.Version)
	assert.Equal(t, DecisionResume, Decide(fp, time.Now()))
}

func TestFileStoreCorruptFileTreatedAsMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	fp, err := NewFileStore(path).Load()
	require.NoError(t, err)
	assert.Nil(t, fp)
}

func TestFileStoreClearMissingIsNoOp(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, fs.Clear())
}
