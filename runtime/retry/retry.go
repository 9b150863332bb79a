// Package retry implements the capped exponential backoff policy and the
// retry/dead-letter decision applied to failed node executions.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

type (
	// Policy bounds how often and how fast a failed step is retried.
	Policy struct {
		// MaxAttempts is the total attempt budget, first try included.
		MaxAttempts int
		// BaseBackoff is the delay before the second attempt.
		BaseBackoff time.Duration
		// Multiplier grows the delay on each further attempt.
		Multiplier float64
		// Cap bounds the delay regardless of attempt count.
		Cap time.Duration
		// Jitter is the random fraction (0..1) added to each delay to
		// de-synchronize competing retriers. Zero disables jitter.
		Jitter float64
	}

	// Decision is the outcome of handling one node error.
	Decision struct {
		// Kind says whether to retry or dead-letter.
		Kind DecisionKind
		// Delay is the backoff to wait before retrying. Zero for dead letters.
		Delay time.Duration
		// NextAttempt is the attempt number to use when retrying.
		NextAttempt int
	}

	// DecisionKind enumerates retry outcomes.
	DecisionKind string

	// Manager applies a policy to node errors.
	Manager struct {
		policy Policy
	}

	// ExhaustedError reports a step whose attempt budget ran out. It unwraps
	// to the last execution error.
	ExhaustedError struct {
		// SessionID is the session the step ran in.
		SessionID string
		// Step is the failed step name.
		Step string
		// Attempts is how many attempts were made.
		Attempts int
		// LastError is the error of the final attempt.
		LastError error
	}
)

const (
	// DecisionRetry schedules another attempt after Decision.Delay.
	DecisionRetry DecisionKind = "retry"
	// DecisionDeadLetter stops retrying and records a dead letter.
	DecisionDeadLetter DecisionKind = "dead_letter"
)

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		Multiplier:  2.0,
		Cap:         30 * time.Second,
		Jitter:      0.1,
	}
}

// NewManager builds a manager, normalizing a zero-value policy to defaults.
func NewManager(policy Policy) *Manager {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = DefaultPolicy().BaseBackoff
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = DefaultPolicy().Multiplier
	}
	if policy.Cap <= 0 {
		policy.Cap = DefaultPolicy().Cap
	}
	return &Manager{policy: policy}
}

// Policy returns the normalized policy.
func (m *Manager) Policy() Policy { return m.policy }

// NextDelay computes the backoff before the given attempt:
// min(base * multiplier^(attempt-1), cap), plus jitter when configured.
func (m *Manager) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(m.policy.BaseBackoff) * math.Pow(m.policy.Multiplier, float64(attempt-1))
	if backoff > float64(m.policy.Cap) {
		backoff = float64(m.policy.Cap)
	}
	if m.policy.Jitter > 0 {
		backoff += backoff * m.policy.Jitter * rand.Float64()
		if backoff > float64(m.policy.Cap) {
			backoff = float64(m.policy.Cap)
		}
	}
	return time.Duration(backoff)
}

// HandleNodeError decides the fate of a failed attempt: retry with backoff
// while budget remains, dead-letter once exhausted.
func (m *Manager) HandleNodeError(sessionID, step string, attempt int, err error) Decision {
	if attempt < m.policy.MaxAttempts {
		next := attempt + 1
		return Decision{Kind: DecisionRetry, Delay: m.NextDelay(next), NextAttempt: next}
	}
	return Decision{Kind: DecisionDeadLetter}
}

// Error returns the exhaustion description.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("step %q in session %s failed after %d attempts: %v",
		e.Step, e.SessionID, e.Attempts, e.LastError)
}

// Unwrap exposes the last execution error for errors.Is/As.
func (e *ExhaustedError) Unwrap() error { return e.LastError }
