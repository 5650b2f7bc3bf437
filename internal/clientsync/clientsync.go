// Package clientsync keeps a client's view of an in-flight analysis
// consistent across restarts. A small fingerprint file remembers the
// tracked session; on startup the fingerprint is judged locally first,
// and only a plausible one is reconciled against the server. The
// server's answer always wins.
package clientsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/store"
)

// FormatVersion is bumped whenever the fingerprint schema changes;
// older files are discarded rather than migrated.
const FormatVersion = 1

// StaleAfter bounds how old a fingerprint may be and still trigger a
// server round trip on startup.
const StaleAfter = 30 * time.Minute

// Fingerprint is the persisted record of a tracked session.
type Fingerprint struct {
	SessionID    string    `json:"session_id"`
	IsAnalyzing  bool      `json:"is_analyzing"`
	SavedAt      time.Time `json:"saved_at"`
	Version      int       `json:"version"`
	ForceStopped bool      `json:"force_stopped"`
}

// Decision is the local verdict on a loaded fingerprint.
type Decision int

const (
	// DecisionDiscard drops the fingerprint without contacting the
	// server.
	DecisionDiscard Decision = iota
	// DecisionResume sends the fingerprint to server reconciliation.
	DecisionResume
)

// Decide judges a fingerprint purely locally. A force-stopped
// fingerprint is discarded unconditionally, before any staleness or
// version check: the user's explicit stop outranks everything else.
func Decide(fp *Fingerprint, now time.Time) Decision {
	switch {
	case fp == nil:
		return DecisionDiscard
	case fp.ForceStopped:
		return DecisionDiscard
	case fp.Version != FormatVersion:
		return DecisionDiscard
	case now.Sub(fp.SavedAt) > StaleAfter:
		return DecisionDiscard
	case !fp.IsAnalyzing || fp.SessionID == "":
		return DecisionDiscard
	}
	return DecisionResume
}

// FileStore persists the fingerprint with write-temp-then-rename so a
// crash mid-save never leaves a torn file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store at path; parent directories are created
// on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the fingerprint. A missing file returns (nil, nil); a
// corrupt file is treated as missing, since a fingerprint is always
// safe to lose.
func (fs *FileStore) Load() (*Fingerprint, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fingerprint: %w", err)
	}
	var fp Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, nil
	}
	return &fp, nil
}

// Save atomically replaces the fingerprint file.
func (fs *FileStore) Save(fp *Fingerprint) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	data, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save fingerprint: %w", err)
	}
	return nil
}

// Clear removes the fingerprint file; missing is not an error.
func (fs *FileStore) Clear() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear fingerprint: %w", err)
	}
	return nil
}

// StatusClient is the server surface the synchronizer reconciles
// against.
type StatusClient interface {
	Status(ctx context.Context, sessionID string) (*store.StatusSnapshot, error)
	Cancel(ctx context.Context, sessionID string) error
}

// Synchronizer ties the fingerprint file to the server.
type Synchronizer struct {
	files  *FileStore
	client StatusClient
	logger *zap.Logger
	now    func() time.Time
}

// NewSynchronizer creates a synchronizer.
func NewSynchronizer(files *FileStore, client StatusClient, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{files: files, client: client, logger: logger, now: time.Now}
}

// Track records a freshly started session as the tracked one.
func (s *Synchronizer) Track(sessionID string) error {
	return s.files.Save(&Fingerprint{
		SessionID:   sessionID,
		IsAnalyzing: true,
		SavedAt:     s.now(),
		Version:     FormatVersion,
	})
}

// Resume decides whether the persisted fingerprint still points at a
// live session. Discarded fingerprints are cleared with no server
// contact. A resumable one is reconciled against the server, and the
// server's view wins: a terminal or unknown session clears the
// fingerprint and returns nil.
func (s *Synchronizer) Resume(ctx context.Context) (*store.StatusSnapshot, error) {
	fp, err := s.files.Load()
	if err != nil {
		return nil, err
	}
	if Decide(fp, s.now()) == DecisionDiscard {
		if fp != nil {
			s.logger.Debug("Discarding fingerprint",
				zap.String("session_id", fp.SessionID),
				zap.Bool("force_stopped", fp.ForceStopped),
			)
		}
		return nil, s.files.Clear()
	}

	snap, err := s.client.Status(ctx, fp.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, s.files.Clear()
		}
		return nil, fmt.Errorf("reconcile session %s: %w", fp.SessionID, err)
	}
	if snap.Status.Terminal() {
		return nil, s.files.Clear()
	}

	// Refresh the timestamp so the resumed session survives another
	// staleness window.
	fp.SavedAt = s.now()
	if err := s.files.Save(fp); err != nil {
		s.logger.Warn("Failed to refresh fingerprint", zap.Error(err))
	}
	return snap, nil
}

// Stop marks the tracked session force-stopped locally FIRST, then
// asks the server to cancel. Ordering matters: once the flag is
// persisted, a crash between the two steps can never resurrect the
// session on the next startup.
func (s *Synchronizer) Stop(ctx context.Context) error {
	fp, err := s.files.Load()
	if err != nil {
		return err
	}
	if fp == nil || fp.SessionID == "" {
		return nil
	}

	stopped := &Fingerprint{
		SessionID:    fp.SessionID,
		ForceStopped: true,
		SavedAt:      s.now(),
		Version:      FormatVersion,
	}
	if err := s.files.Save(stopped); err != nil {
		return err
	}

	if err := s.client.Cancel(ctx, fp.SessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) || errors.Is(err, store.ErrInvalidState) {
			return nil
		}
		return fmt.Errorf("stop session %s: %w", fp.SessionID, err)
	}
	return nil
}
