package services

import (
	"context"
	"sync"
)

// Completion is a one-shot future for a lifecycle dispatch. The host treats a
// phase as finished only once the completion resolves.
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// resolvedCompletion returns a completion that is already finished with err.
func resolvedCompletion(err error) *Completion {
	c := newCompletion()
	c.resolve(err)
	return c
}

// waitUntil runs fn in its own goroutine and resolves the completion with its result.
func waitUntil(ctx context.Context, fn func(context.Context) error) *Completion {
	c := newCompletion()
	go func() { c.resolve(fn(ctx)) }()
	return c
}

func (c *Completion) resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Wait blocks until the completion resolves or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Completion) Done() <-chan struct{} { return c.done }

// Err returns the result, or nil while unresolved.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
