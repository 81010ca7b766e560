// Package stage wraps external collaborator calls with a shared timeout,
// retry, and backoff law. Every pipeline stage runs through the same
// Executor so retry behavior is defined once.
package stage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryableError marks a collaborator failure as transient. The Executor
// retries it with backoff up to the policy's attempt budget.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the Executor treats it as transient.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// FatalError marks a collaborator failure as unrecoverable. The Executor
// fails the stage immediately without retrying.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the Executor fails the stage without retrying.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// StageError is the terminal result of a stage whose attempts are exhausted
// or that failed fatally.
type StageError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Policy controls how the Executor retries a stage call.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Multiplier  float64
	Timeout     time.Duration // per attempt; 0 disables the attempt timeout
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// Executor runs collaborator calls under one retry policy. It never mutates
// job state; the orchestrator acts on the returned error.
type Executor struct {
	policy Policy
}

// New creates an Executor. Zero policy fields take defaults
// (3 attempts, 1s base backoff, multiplier 2, no attempt timeout).
func New(policy Policy) *Executor {
	return &Executor{policy: policy.withDefaults()}
}

// Run invokes fn, retrying transient failures with exponential backoff plus
// jitter. It returns nil on success, or a *StageError once attempts are
// exhausted, a fatal error occurs, or ctx is cancelled.
func (e *Executor) Run(ctx context.Context, stageName string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: stageName, Attempts: attempt - 1, Err: err}
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if e.policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.policy.Timeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err, attemptCtx, ctx) {
			return &StageError{Stage: stageName, Attempts: attempt, Err: err}
		}
		if attempt == e.policy.MaxAttempts {
			break
		}

		if err := sleep(ctx, e.backoff(attempt)); err != nil {
			return &StageError{Stage: stageName, Attempts: attempt, Err: err}
		}
	}

	return &StageError{Stage: stageName, Attempts: e.policy.MaxAttempts, Err: lastErr}
}

// retryable classifies an attempt error. An attempt-level deadline counts as
// transient; a cancelled parent context does not.
func retryable(err error, attemptCtx, parent context.Context) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil && attemptCtx.Err() != nil {
		return true
	}
	return false
}

// backoff returns the delay before the next attempt: base * multiplier^(n-1)
// plus up to 25% positive jitter so retries from concurrent jobs spread out.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.policy.BaseBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * e.policy.Multiplier)
	}
	return d + time.Duration(rand.Float64()*0.25*float64(d))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
