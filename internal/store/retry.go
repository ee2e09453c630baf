package store

import (
	"context"
	"time"

	"command-outbox/internal/backoff"
)

// RetryPolicy bounds how long a store operation keeps retrying transient
// failures (lock contention, serialization conflicts) before surfacing them.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy is used when a backend is opened without an explicit policy.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, Base: 50 * time.Millisecond, Max: 2 * time.Second}

type retrier struct {
	policy    RetryPolicy
	transient func(error) bool
	sleep     func(ctx context.Context, d time.Duration) error
}

func newRetrier(policy RetryPolicy, transient func(error) bool) retrier {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Base <= 0 {
		policy.Base = DefaultRetryPolicy.Base
	}
	if policy.Max < policy.Base {
		policy.Max = policy.Base
	}
	return retrier{policy: policy, transient: transient, sleep: sleepCtx}
}

func (r retrier) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		err = fn()
		if err == nil || r.transient == nil || !r.transient(err) {
			return wrap(op, err)
		}
		if attempt == r.policy.Attempts {
			break
		}
		if serr := r.sleep(ctx, backoff.Jitter(r.policy.Base, r.policy.Max, attempt)); serr != nil {
			return wrap(op, serr)
		}
	}
	return wrap(op, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
