// Package workpool bounds how many blocking remote calls run at once.
//
// SSH, WinRM and child-process calls do not honour context cancellation on their
// own. Running them through a Pool caps their number across all concurrent
// installations and lets the caller stop waiting when its context ends.
package workpool

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Pool runs blocking functions on a bounded number of goroutines.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

// New creates a pool allowing size concurrent calls. size < 1 is treated as 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size returns the configured concurrency.
func (p *Pool) Size() int {
	return int(p.size)
}

// Do runs fn once a slot is free and waits for it or for ctx to end. When ctx
// ends first, fn keeps running in the background and its slot is released when
// it returns.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("blocking call panicked: %v", r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is Do for functions returning a value.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	err := p.Do(ctx, func() error {
		v, err := fn()
		ch <- result{v, err}
		return err
	})
	if err != nil {
		var zero T
		select {
		case r := <-ch:
			return r.v, err
		default:
			return zero, err
		}
	}
	r := <-ch
	return r.v, nil
}
