package coordinator

import (
	"context"

	"github.com/go-logr/logr"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConcurrency bounds how many operations may run at once. Zero or a
// negative value means unbounded.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n < 0 {
			n = 0
		}
		c.concurrency = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithBaseContext sets the context operations run with. Operations are shared
// between callers, so they never inherit a single caller's context.
func WithBaseContext(ctx context.Context) Option {
	return func(c *Coordinator) { c.baseCtx = ctx }
}
