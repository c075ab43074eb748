// Package retry runs operations under a bounded exponential-backoff policy.
package retry

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/nmslite/agentprov/internal/errcode"
)

// Policy is an immutable retry configuration.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// OnlyTransient stops at the first error IsTransient rejects.
	OnlyTransient bool
}

// DefaultPolicy is used for the connecting phase when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
		OnlyTransient: true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 1
	}
	return p
}

// Notify is called before each retry with the attempt that just failed (1-based),
// the delay about to be slept and the failure.
type Notify func(attempt int, delay time.Duration, err error)

// Do calls op until it succeeds, the policy is exhausted, a non-transient error is
// returned (with OnlyTransient) or ctx is done. op is invoked at most MaxAttempts
// times and no sleep exceeds MaxDelay. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify Notify) error {
	p = p.normalized()

	var (
		attempt int
		lastErr error
		delay   = p.InitialDelay
	)

	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= p.MaxAttempts {
			return 0, true
		}
		d := min(delay, p.MaxDelay)
		delay = min(time.Duration(float64(delay)*p.BackoffFactor), p.MaxDelay)
		if notify != nil {
			notify(attempt, d, lastErr)
		}
		return d, false
	})

	return goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if p.OnlyTransient && !IsTransient(err) {
			return err
		}
		return goretry.RetryableError(err)
	})
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), notify Notify) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, notify)
	return out, err
}

var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"temporarily unavailable",
	"too many open files",
	"network unreachable",
	"network is unreachable",
	"no route to host",
}

// IsTransient reports whether err is likely to go away on retry.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if e, ok := errcode.As(err); ok {
		return e.Transient()
	}

	var (
		netErr net.Error
		opErr  *net.OpError
		sysErr *os.SyscallError
	)
	if errors.As(err, &netErr) || errors.As(err, &opErr) || errors.As(err, &sysErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
