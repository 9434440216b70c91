package coordinator

import (
	"context"
)

// Future is the shared result of a coordinated operation. Every caller that
// adds the same key while it is outstanding receives the same *Future.
type Future struct {
	key  string
	done chan struct{}

	value any
	err   error
}

func newFuture(key string) *Future {
	return &Future{key: key, done: make(chan struct{})}
}

func failedFuture(key string, err error) *Future {
	f := newFuture(key)
	f.resolve(nil, err)
	return f
}

// resolve must be called exactly once, with the coordinator lock held for
// futures owned by a live entry.
func (f *Future) resolve(value any, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Key returns the key the future was registered under.
func (f *Future) Key() string {
	return f.key
}

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx ends. Abandoning a wait does not
// cancel the underlying operation.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the future has a result.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
