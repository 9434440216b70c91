package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nrfcloud/campadmin/pkg/credentials"
)

const (
	// DefaultLoginPath is the login endpoint excluded from refresh handling.
	DefaultLoginPath = "/auth/login"

	tracerName = "github.com/nrfcloud/campadmin/pkg/session"
)

// Refresher exchanges a refresh credential for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (string, error)
}

// refreshCall is the shared outcome of one refresh. Every request that hits a
// 401 while it is outstanding waits on done instead of starting another.
type refreshCall struct {
	done    chan struct{}
	token   string
	gen     uint64
	err     error
	waiters int
}

// Gateway is an http.RoundTripper that authenticates requests with the current
// access token and transparently recovers from expired sessions: a 401 starts
// (or joins) a single refresh, and the request is retried once with the new
// token.
type Gateway struct {
	next      http.RoundTripper
	store     credentials.Store
	refresher Refresher
	loginPath string
	leeway    time.Duration
	onLogout  LogoutFunc
	logger    logr.Logger
	tracer    trace.Tracer

	// mu guards the fields below. The inflight check and its assignment
	// happen in one critical section so concurrent 401s start one refresh.
	mu         sync.Mutex
	token      string
	loaded     bool
	generation uint64
	inflight   *refreshCall
	loggedOut  bool
	// adopted is when token was received; zero for tokens loaded from the store.
	adopted time.Time
	// failure ends the current generation: set when its refresh fails or
	// the session is logged out, cleared by the next adopted token. Late 401s
	// get it instead of starting another refresh.
	failure error
}

// NewGateway wraps next (http.DefaultTransport when nil).
func NewGateway(next http.RoundTripper, store credentials.Store, refresher Refresher, opts ...Option) *Gateway {
	if next == nil {
		next = http.DefaultTransport
	}
	g := &Gateway{
		next:      next,
		store:     store,
		refresher: refresher,
		loginPath: DefaultLoginPath,
		logger:    logr.Discard(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RoundTrip implements http.RoundTripper.
func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	if g.isLogin(req) {
		return g.next.RoundTrip(req)
	}

	ctx := req.Context()

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	token, gen, err := g.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if g.expiresSoon(token) {
		g.logger.V(1).Info("Access token about to expire, refreshing before send", "path", req.URL.Path)
		if token, gen, err = g.refresh(ctx, gen); err != nil {
			return nil, err
		}
	}

	resp, err := g.send(req, getBody, token)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	discard(resp)

	g.logger.V(1).Info("Request unauthorized, refreshing session",
		"method", req.Method,
		"path", req.URL.Path)

	token, gen, err = g.refresh(ctx, gen)
	if err != nil {
		return nil, err
	}

	// The retried response is final whatever its status.
	resp, err = g.send(req, getBody, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		g.logger.Info("Request still unauthorized after refresh, ending session",
			"method", req.Method,
			"path", req.URL.Path)
		g.forceLogout(ctx, gen, ErrSessionExpired)
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ErrSessionExpired)
	}
	return resp, nil
}

// StartSession stores the credentials of a fresh login and makes them current.
func (g *Gateway) StartSession(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken == "" {
		return errors.New("access token must not be empty")
	}

	if err := g.store.Set(ctx, credentials.KeyToken, accessToken); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	if refreshToken != "" {
		if err := g.store.Set(ctx, credentials.KeyRefreshToken, refreshToken); err != nil {
			return fmt.Errorf("failed to store refresh token: %w", err)
		}
	}

	g.mu.Lock()
	g.adopt(accessToken)
	g.mu.Unlock()

	g.logger.Info("Session started")
	return nil
}

// Resume loads a previously stored session and reports whether one exists.
func (g *Gateway) Resume(ctx context.Context) (bool, error) {
	token, _, err := g.snapshot(ctx)
	if err != nil {
		return false, err
	}
	return token != "", nil
}

// EndSession clears the stored credentials and fires the logout callback.
func (g *Gateway) EndSession(ctx context.Context, cause error) error {
	g.mu.Lock()
	g.drop(cause)
	g.mu.Unlock()

	return g.clearSession(ctx, cause)
}

// Refresh renews the access token, joining a refresh already in flight.
func (g *Gateway) Refresh(ctx context.Context) (string, error) {
	_, gen, err := g.snapshot(ctx)
	if err != nil {
		return "", err
	}
	token, _, err := g.refresh(ctx, gen)
	return token, err
}

// SyncToken adopts an access token rotated outside this process, for example
// by another replica sharing the credential store.
func (g *Gateway) SyncToken(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.loaded && token == g.token {
		return
	}
	if token != "" {
		g.adopt(token)
	} else {
		g.token = ""
		g.loaded = true
		g.adopted = time.Time{}
	}
	g.logger.V(1).Info("Adopted externally rotated access token", "empty", token == "")
}

// AccessToken returns the access token currently in memory.
func (g *Gateway) AccessToken() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.token
}

// TokenExpiry returns the exp claim of the current access token.
func (g *Gateway) TokenExpiry() (time.Time, bool) {
	return credentials.TokenExpiry(g.AccessToken())
}

func (g *Gateway) isLogin(req *http.Request) bool {
	return g.loginPath != "" && strings.HasSuffix(req.URL.Path, g.loginPath)
}

// expiresSoon reports whether token expires within the leeway. The leeway is
// capped at half the token's lifetime, so tokens issued for less than the
// leeway are not refreshed on every request.
func (g *Gateway) expiresSoon(token string) bool {
	if g.leeway <= 0 || token == "" {
		return false
	}
	expiry, ok := credentials.TokenExpiry(token)
	if !ok {
		return false
	}

	issued, ok := credentials.TokenIssuedAt(token)
	if !ok {
		issued = g.adoptedAt(token)
	}
	leeway := g.leeway
	if !issued.IsZero() {
		if half := expiry.Sub(issued) / 2; half < leeway {
			leeway = half
		}
	}
	return time.Until(expiry) < leeway
}

func (g *Gateway) adoptedAt(token string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != token {
		return time.Time{}
	}
	return g.adopted
}

// adopt makes token the current one as a new generation. g.mu must be held.
func (g *Gateway) adopt(token string) {
	g.token = token
	g.loaded = true
	g.generation++
	g.loggedOut = false
	g.adopted = time.Now()
	g.failure = nil
}

// drop forgets the current token and records why it cannot be refreshed.
// g.mu must be held.
func (g *Gateway) drop(cause error) {
	g.token = ""
	g.loaded = true
	g.loggedOut = true
	g.adopted = time.Time{}

	var refreshErr *RefreshError
	if !errors.As(cause, &refreshErr) {
		if cause == nil {
			cause = ErrNoRefreshToken
		}
		refreshErr = &RefreshError{Err: cause}
	}
	g.failure = refreshErr
}

// snapshot returns the current token and its generation, loading the token
// from the store on first use.
func (g *Gateway) snapshot(ctx context.Context) (string, uint64, error) {
	g.mu.Lock()
	if g.loaded {
		token, gen := g.token, g.generation
		g.mu.Unlock()
		return token, gen, nil
	}
	g.mu.Unlock()

	stored, ok, err := g.store.Get(ctx, credentials.KeyToken)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load access token: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.loaded {
		if ok {
			g.token = stored
		}
		g.loaded = true
	}
	return g.token, g.generation, nil
}

// refresh returns a token newer than generation seen, starting a refresh only
// when none is in flight. A session whose refresh failed or that was logged
// out reports that failure until a new token is adopted.
func (g *Gateway) refresh(ctx context.Context, seen uint64) (string, uint64, error) {
	g.mu.Lock()
	if g.failure != nil {
		err := g.failure
		g.mu.Unlock()
		return "", 0, err
	}
	if g.generation != seen && g.token != "" {
		token, gen := g.token, g.generation
		g.mu.Unlock()
		return token, gen, nil
	}

	call := g.inflight
	if call == nil {
		call = &refreshCall{done: make(chan struct{})}
		g.inflight = call
		// Detached so one waiter giving up does not fail the others.
		go g.runRefresh(context.WithoutCancel(ctx), call)
	} else {
		g.logger.V(1).Info("Joining session refresh already in flight", "waiters", call.waiters)
	}
	call.waiters++
	g.mu.Unlock()

	select {
	case <-call.done:
		if call.err != nil {
			return "", 0, call.err
		}
		return call.token, call.gen, nil
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
}

func (g *Gateway) runRefresh(ctx context.Context, call *refreshCall) {
	defer close(call.done)

	ctx, span := g.tracer.Start(ctx, "session.refresh")
	defer span.End()

	token, err := g.exchange(ctx)

	g.mu.Lock()
	if err == nil {
		g.adopt(token)
		call.token = token
		call.gen = g.generation
	} else {
		call.err = &RefreshError{Err: err}
		g.failure = call.err
	}
	g.inflight = nil
	gen := g.generation
	g.mu.Unlock()

	span.SetAttributes(attribute.Int64("session.generation", int64(gen)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		g.logger.Error(err, "Session refresh failed, ending session")
		g.forceLogout(ctx, gen, call.err)
		return
	}

	g.logger.Info("Session refreshed", "generation", gen)
}

// exchange trades the stored refresh token for a new access token and
// persists it.
func (g *Gateway) exchange(ctx context.Context) (string, error) {
	refreshToken, ok, err := g.store.Get(ctx, credentials.KeyRefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to load refresh token: %w", err)
	}
	if !ok || refreshToken == "" {
		return "", ErrNoRefreshToken
	}

	token, err := g.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", errors.New("refresh returned an empty token")
	}

	if err := g.store.Set(ctx, credentials.KeyToken, token); err != nil {
		// The token is still valid for this process.
		g.logger.Error(err, "Failed to persist refreshed access token")
	}
	return token, nil
}

// forceLogout ends the session at most once per token generation, so many
// requests failing on the same session trigger a single logout.
func (g *Gateway) forceLogout(ctx context.Context, gen uint64, cause error) {
	g.mu.Lock()
	if g.generation != gen || g.loggedOut {
		g.mu.Unlock()
		return
	}
	g.drop(cause)
	g.mu.Unlock()

	if err := g.clearSession(context.WithoutCancel(ctx), cause); err != nil {
		g.logger.Error(err, "Failed to clear session credentials")
	}
}

func (g *Gateway) clearSession(ctx context.Context, cause error) error {
	err := g.store.Delete(ctx, credentials.KeyToken, credentials.KeyRefreshToken)
	if err != nil {
		err = fmt.Errorf("failed to clear session credentials: %w", err)
	}

	g.logger.Info("Session ended", "reason", fmt.Sprint(cause))
	if g.onLogout != nil {
		g.onLogout(ctx, cause)
	}
	return err
}

func (g *Gateway) send(req *http.Request, getBody func() (io.ReadCloser, error), token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		out.Body = body
	}

	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	if out.Header.Get("Content-Type") == "" {
		out.Header.Set("Content-Type", "application/json")
	}
	return g.next.RoundTrip(out)
}

// replayableBody consumes req.Body and returns a function producing fresh
// copies of it, so the request can be sent a second time.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}

	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// Ensure Gateway implements http.RoundTripper
var _ http.RoundTripper = (*Gateway)(nil)
