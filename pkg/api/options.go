package api

import (
	"net/http"

	"github.com/go-logr/logr"

	"github.com/nrfcloud/campadmin/pkg/session"
)

type clientOptions struct {
	transport   http.RoundTripper
	logger      logr.Logger
	onLogout    session.LogoutFunc
	sessionOpts []session.Option
}

// Option configures a Client.
type Option func(*clientOptions)

// WithTransport sets the underlying transport. Defaults to http.DefaultTransport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.transport = rt }
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithOnLogout is called once the session ends, after queued requests have
// been dropped.
func WithOnLogout(fn session.LogoutFunc) Option {
	return func(o *clientOptions) { o.onLogout = fn }
}

// WithSessionOptions passes extra options to the session gateway.
func WithSessionOptions(opts ...session.Option) Option {
	return func(o *clientOptions) { o.sessionOpts = append(o.sessionOpts, opts...) }
}
