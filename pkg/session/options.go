package session

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
)

// LogoutFunc is invoked once when the session ends for good, either through a
// terminal refresh failure or an explicit EndSession. It is where callers
// clear their own state and send the user back to the login surface.
type LogoutFunc func(ctx context.Context, cause error)

// Option configures a Gateway.
type Option func(*Gateway)

// WithLoginPath sets the URL path of the login endpoint. Responses from it are
// never treated as session expiry. Defaults to "/auth/login".
func WithLoginPath(path string) Option {
	return func(g *Gateway) { g.loginPath = path }
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithTracer sets the tracer used for refresh spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(g *Gateway) { g.tracer = tracer }
}

// WithOnLogout sets the forced logout callback.
func WithOnLogout(fn LogoutFunc) Option {
	return func(g *Gateway) { g.onLogout = fn }
}

// WithExpiryLeeway makes the gateway refresh before sending when the access
// token's exp claim falls within leeway. Zero disables proactive refresh.
func WithExpiryLeeway(leeway time.Duration) Option {
	return func(g *Gateway) { g.leeway = leeway }
}
