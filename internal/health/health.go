// Package health aggregates component liveness checks behind the
// /health endpoint. Checks run on demand with a per-check timeout;
// only critical failures mark the service unhealthy.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is a component's health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
	// Critical failures mark the whole service unhealthy; others only
	// degrade it.
	Critical() bool
}

// Report is the aggregate answer served at /health.
type Report struct {
	Status     Status        `json:"status"`
	Components []CheckResult `json:"components,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Registry holds the registered checkers.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRegistry creates a registry with a 2s per-check timeout.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{timeout: 2 * time.Second, logger: logger}
}

// Register adds a checker.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, c)
}

// Check runs all checkers and folds their verdicts.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	report := Report{Status: StatusHealthy, Timestamp: time.Now()}
	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
		start := time.Now()
		err := c.Check(checkCtx)
		cancel()

		res := CheckResult{
			Component: c.Name(),
			Status:    StatusHealthy,
			Duration:  time.Since(start),
		}
		if err != nil {
			res.Error = err.Error()
			if c.Critical() {
				res.Status = StatusUnhealthy
				report.Status = StatusUnhealthy
			} else {
				res.Status = StatusDegraded
				if report.Status == StatusHealthy {
					report.Status = StatusDegraded
				}
			}
			r.logger.Warn("Health check failed",
				zap.String("component", c.Name()),
				zap.Bool("critical", c.Critical()),
				zap.Error(err),
			)
		}
		report.Components = append(report.Components, res)
	}
	return report
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) error
	IsCritical    bool
}

func (c CheckFunc) Name() string                    { return c.ComponentName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
func (c CheckFunc) Critical() bool                  { return c.IsCritical }
