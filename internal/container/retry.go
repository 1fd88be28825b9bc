// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds retries of transient engine failures.
type RetryPolicy struct {
	// Attempts is the total number of tries; values below 1 mean one.
	Attempts int
	// Backoff is the first wait. It doubles after every failed attempt.
	Backoff time.Duration
	// MaxBackoff caps a single wait. Zero leaves it uncapped.
	MaxBackoff time.Duration
}

// wait returns the pause before attempt (1-based retry number).
func (p RetryPolicy) wait(retry int) time.Duration {
	d := p.Backoff << (retry - 1)
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d <= 0) {
		return p.MaxBackoff
	}
	return d
}

// Retry calls op until it succeeds, fails permanently or the policy runs
// out of attempts, in which case the last error is returned. Failures
// TransientReason recognizes are retried; onRetry, when non-nil, sees each
// one before the wait. Cancelling ctx stops the wait.
func Retry(ctx context.Context, policy RetryPolicy, op func(context.Context) error, onRetry func(retry int, reason string, err error)) error {
	attempts := max(policy.Attempts, 1)
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		reason, transient := TransientReason(err)
		if !transient || attempt == attempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, reason, err)
		}

		timer := time.NewTimer(policy.wait(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}
