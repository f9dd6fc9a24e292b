// Package retry holds the single retry policy shared by the logout channel's
// group join and its reconnect loop.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how patiently an operation is retried.
// MaxAttempts and MaxElapsed of zero mean unbounded.
type Policy struct {
	MaxAttempts int
	MaxElapsed  time.Duration
	Backoff     func(attempt int) time.Duration
}

// Exponential returns initial*2^attempt capped at max
func Exponential(initial, max time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		d := initial
		for i := 0; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// JoinPolicy is the bounded group-join retry: attempts tries, initial*2^n apart
func JoinPolicy(attempts int, initial time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Backoff: Exponential(initial, 0)}
}

// ConnectPolicy retries forever at min(initial*2^n, max) until maxElapsed has passed
func ConnectPolicy(initial, max, maxElapsed time.Duration) Policy {
	return Policy{MaxElapsed: maxElapsed, Backoff: Exponential(initial, max)}
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, ctx ends, or the policy is exhausted.
// The last error is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return p.DoNotify(ctx, op, nil)
}

// DoNotify is Do with a callback before each wait. attempt counts from 1.
func (p Policy) DoNotify(ctx context.Context, op func(ctx context.Context) error, notify func(err error, attempt int, wait time.Duration)) error {
	b := &policyBackOff{policy: p}
	b.Reset()

	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) {
			notify(err, b.attempt, wait)
		}
	}

	return backoff.RetryNotify(func() error {
		return op(ctx)
	}, backoff.WithContext(b, ctx), n)
}

// policyBackOff adapts a Policy to backoff.BackOff
type policyBackOff struct {
	policy  Policy
	attempt int
	start   time.Time
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
	b.start = time.Now()
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.policy.MaxAttempts > 0 && b.attempt >= b.policy.MaxAttempts {
		return backoff.Stop
	}
	if b.policy.MaxElapsed > 0 && time.Since(b.start) >= b.policy.MaxElapsed {
		return backoff.Stop
	}
	if b.policy.Backoff == nil {
		return 0
	}
	return b.policy.Backoff(b.attempt - 1)
}
