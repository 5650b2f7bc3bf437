package executor

import (
	"time"

	"github.com/finsight-lab/finsight/internal/providers"
)

// RetryPolicy controls in-place retries for one error kind.
type RetryPolicy struct {
	Retryable   bool
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // first retry delay
	MaxDelay    time.Duration // backoff cap; 0 means fixed delay
}

// RetryPolicies maps classified error kinds to their policy.
type RetryPolicies map[providers.ErrorKind]RetryPolicy

// DefaultRetryPolicies returns the standard policy table. Rate-limit
// retries are deliberately scarce: retrying into a throttled endpoint
// amplifies the load that caused the throttle.
func DefaultRetryPolicies() RetryPolicies {
	return RetryPolicies{
		providers.ErrKindTimeout: {
			Retryable:   true,
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    10 * time.Second,
		},
		providers.ErrKindConnection: {
			Retryable:   true,
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    10 * time.Second,
		},
		providers.ErrKindRateLimit: {
			Retryable:   true,
			MaxAttempts: 2,
			BaseDelay:   15 * time.Second,
		},
		providers.ErrKindUpstreamRejected: {
			Retryable: false,
		},
		providers.ErrKindUnknown: {
			Retryable:   true,
			MaxAttempts: 2,
			BaseDelay:   2 * time.Second,
		},
	}
}

// For returns the policy for a kind, defaulting to non-retryable.
func (rp RetryPolicies) For(kind providers.ErrorKind) RetryPolicy {
	if p, ok := rp[kind]; ok {
		return p
	}
	return RetryPolicy{}
}

// delayFor computes the backoff before retry number n (1-based):
// exponential from BaseDelay, capped at MaxDelay when set.
func (p RetryPolicy) delayFor(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
