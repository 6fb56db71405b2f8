package tool

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Runner executes tools with contract validation, per-call timeouts, and
// exponential-backoff retries for transient failures.
//
// Write-class tools reach the runner only after the HITL gate has approved
// them; the runner itself enforces no policy.
type Runner struct {
	// DefaultTimeout bounds calls whose descriptor declares no timeout.
	// Zero means 30s.
	DefaultTimeout time.Duration

	// OnRetry, when non-nil, observes each retry (tool name, attempt,
	// error). Used to feed metrics.
	OnRetry func(toolName string, attempt int, err error)

	// rng drives backoff jitter. Nil uses the global source.
	rng *rand.Rand
}

// Run validates args against the tool's contract and executes it, retrying
// transient failures up to the descriptor's declared MaxAttempts.
//
// Non-retryable errors and context cancellation propagate immediately.
// Contract violations are returned as *ContractError without invoking the
// tool.
func (r *Runner) Run(ctx context.Context, t Tool, args map[string]any) (Result, error) {
	d := t.Descriptor()
	if err := ValidateArgs(d, args); err != nil {
		return Result{}, err
	}

	timeout := d.Timeout
	if timeout == 0 {
		timeout = r.DefaultTimeout
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	attempts := d.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := d.Retry.BaseDelay
	if base == 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := d.Retry.MaxDelay
	if maxDelay == 0 {
		maxDelay = 10 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if r.OnRetry != nil {
				r.OnRetry(d.Name, attempt, lastErr)
			}
			select {
			case <-time.After(backoff(attempt-1, base, maxDelay, r.rng)):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := t.Call(callCtx, args)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if !retryable(err) {
			return Result{}, err
		}
	}
	return Result{}, lastErr
}

// retryable reports whether an error is transient: it implements
// RetryableError, or it is a timeout from the per-call deadline.
func retryable(err error) bool {
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// backoff computes min(base * 2^attempt, maxDelay) + jitter(0, base).
// Jitter spreads concurrent retries so parallel deep-dive workers do not
// hammer a recovering backend in lockstep.
func backoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	delay := base * (1 << attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	var jitter time.Duration
	if base > 0 {
		if rng != nil {
			jitter = time.Duration(rng.Int63n(int64(base)))
		} else {
			jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing, not security
		}
	}
	return delay + jitter
}
