// Package db archives finished sessions to Postgres for post-hoc
// inspection. The archive is an enhancement: the live system never
// reads from it, and archival failures never affect a running session.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/circuitbreaker"
	"github.com/finsight-lab/finsight/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	ticker       TEXT NOT NULL,
	subject_name TEXT NOT NULL DEFAULT '',
	stage        INT NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	archived_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_tasks (
	session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	task_id         TEXT NOT NULL,
	stage           INT NOT NULL,
	agent           TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INT NOT NULL,
	last_error_kind TEXT NOT NULL DEFAULT '',
	output          JSONB,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	PRIMARY KEY (session_id, task_id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_ticker ON sessions (ticker, created_at DESC);
`

// Client wraps the archive database. Writes go through a circuit
// breaker so a down database sheds archive attempts quickly instead
// of stalling orchestrator goroutines on connection timeouts.
type Client struct {
	db     *sqlx.DB
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger
}

// NewClient opens the archive database and ensures the schema exists.
func NewClient(ctx context.Context, dsn string, logger *zap.Logger) (*Client, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure archive schema: %w", err)
	}
	return &Client{
		db:     db,
		cb:     circuitbreaker.NewCircuitBreaker("archive-db", circuitbreaker.GetDatabaseConfig().ToConfig(), logger),
		logger: logger,
	}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.db.Close() }

// Ping verifies the database connection; used by health checks.
func (c *Client) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

type sessionRow struct {
	ID          string       `db:"id"`
	Ticker      string       `db:"ticker"`
	SubjectName string       `db:"subject_name"`
	Stage       int          `db:"stage"`
	Status      string       `db:"status"`
	Error       string       `db:"error"`
	CreatedAt   time.Time    `db:"created_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

type taskRow struct {
	SessionID     string       `db:"session_id"`
	TaskID        string       `db:"task_id"`
	Stage         int          `db:"stage"`
	Agent         string       `db:"agent"`
	Status        string       `db:"status"`
	Attempts      int          `db:"attempts"`
	LastErrorKind string       `db:"last_error_kind"`
	Output        []byte       `db:"output"`
	StartedAt     sql.NullTime `db:"started_at"`
	FinishedAt    sql.NullTime `db:"finished_at"`
}

// ArchiveSession writes a terminal session and its tasks in one
// transaction. Re-archiving the same session is a no-op.
func (c *Client) ArchiveSession(ctx context.Context, s *store.Session) error {
	return c.cb.Execute(ctx, func() error {
		return c.archiveSession(ctx, s)
	})
}

func (c *Client) archiveSession(ctx context.Context, s *store.Session) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", s.ID, err)
	}
	defer tx.Rollback()

	row := sessionRow{
		ID:          s.ID,
		Ticker:      s.Subject.Ticker,
		SubjectName: s.Subject.Name,
		Stage:       s.Stage,
		Status:      string(s.Status),
		Error:       s.Error,
		CreatedAt:   s.CreatedAt,
	}
	if !s.CompletedAt.IsZero() {
		row.CompletedAt = sql.NullTime{Time: s.CompletedAt, Valid: true}
	}
	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO sessions (id, ticker, subject_name, stage, status, error, created_at, completed_at)
		VALUES (:id, :ticker, :subject_name, :stage, :status, :error, :created_at, :completed_at)
		ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", s.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	for _, taskID := range s.TaskOrder {
		rec := s.Tasks[taskID]
		if rec == nil {
			continue
		}
		tr := taskRow{
			SessionID:     s.ID,
			TaskID:        rec.ID,
			Stage:         rec.Stage,
			Agent:         rec.Agent,
			Status:        string(rec.Status),
			Attempts:      rec.Attempts,
			LastErrorKind: string(rec.LastErrorKind),
		}
		if rec.Output != nil {
			out, err := json.Marshal(rec.Output)
			if err != nil {
				return fmt.Errorf("archive task %s: %w", rec.ID, err)
			}
			tr.Output = out
		}
		if !rec.StartedAt.IsZero() {
			tr.StartedAt = sql.NullTime{Time: rec.StartedAt, Valid: true}
		}
		if !rec.FinishedAt.IsZero() {
			tr.FinishedAt = sql.NullTime{Time: rec.FinishedAt, Valid: true}
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO session_tasks (session_id, task_id, stage, agent, status, attempts, last_error_kind, output, started_at, finished_at)
			VALUES (:session_id, :task_id, :stage, :agent, :status, :attempts, :last_error_kind, :output, :started_at, :finished_at)`, tr); err != nil {
			return fmt.Errorf("archive task %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive session %s: %w", s.ID, err)
	}
	c.logger.Debug("Session archived",
		zap.String("session_id", s.ID),
		zap.Int("tasks", len(s.TaskOrder)),
	)
	return nil
}

// ArchivedSession is the list view of an archived session.
type ArchivedSession struct {
	ID          string       `db:"id" json:"id"`
	Ticker      string       `db:"ticker" json:"ticker"`
	SubjectName string       `db:"subject_name" json:"subject_name,omitempty"`
	Status      string       `db:"status" json:"status"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	CompletedAt sql.NullTime `db:"completed_at" json:"-"`
}

// RecentSessions lists the most recently archived sessions for a
// ticker, newest first. An empty ticker lists across all subjects.
func (c *Client) RecentSessions(ctx context.Context, ticker string, limit int) ([]ArchivedSession, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []ArchivedSession
	var err error
	if ticker == "" {
		err = c.db.SelectContext(ctx, &out,
			`SELECT id, ticker, subject_name, status, created_at, completed_at
			 FROM sessions ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		err = c.db.SelectContext(ctx, &out,
			`SELECT id, ticker, subject_name, status, created_at, completed_at
			 FROM sessions WHERE ticker = $1 ORDER BY created_at DESC LIMIT $2`, ticker, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list archived sessions: %w", err)
	}
	return out, nil
}
