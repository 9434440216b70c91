package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/nrfcloud/campadmin/pkg/config"
	"github.com/nrfcloud/campadmin/pkg/coordinator"
	"github.com/nrfcloud/campadmin/pkg/credentials"
	"github.com/nrfcloud/campadmin/pkg/session"
)

// Request priorities. Writes jump ahead of queued reads.
const (
	PriorityRead  = 0
	PriorityWrite = 10
)

// HeaderRequestID carries a per-attempt identifier for server-side tracing.
const HeaderRequestID = "X-Request-ID"

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// ErrLoggedOut is the logout cause reported when the user signs out.
var ErrLoggedOut = errors.New("logged out")

// Client talks to the campsite admin API. Every resource call goes through the
// coordinator for deduplication and ordering, and through the session gateway
// for authentication.
type Client struct {
	baseURL     *url.URL
	loginPath   string
	refreshPath string

	http  *http.Client
	plain *http.Client

	coordinator *coordinator.Coordinator
	gateway     *session.Gateway
	logger      logr.Logger
}

// NewClient creates a client for the admin API described by cfg, persisting
// session credentials in store.
func NewClient(cfg config.APIConfig, store credentials.Store, coord *coordinator.Coordinator, opts ...Option) (*Client, error) {
	baseURL, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("base URL must be absolute, got %q", cfg.BaseURL)
	}
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if coord == nil {
		return nil, fmt.Errorf("coordinator is required")
	}

	o := &clientOptions{
		transport: http.DefaultTransport,
		logger:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}

	c := &Client{
		baseURL:     baseURL,
		loginPath:   pathOrDefault(cfg.LoginPath, session.DefaultLoginPath),
		refreshPath: pathOrDefault(cfg.RefreshPath, "/refresh-token"),
		coordinator: coord,
		logger:      o.logger,
	}

	sessionOpts := append([]session.Option{
		session.WithLoginPath(c.loginPath),
		session.WithLogger(o.logger.WithName("session")),
		session.WithOnLogout(c.onLogout(o.onLogout)),
	}, o.sessionOpts...)
	c.gateway = session.NewGateway(o.transport, store, c, sessionOpts...)

	c.http = &http.Client{Transport: c.gateway, Timeout: cfg.Timeout}
	c.plain = &http.Client{Transport: o.transport, Timeout: cfg.Timeout}

	return c, nil
}

// Gateway returns the session gateway authenticating this client's requests.
func (c *Client) Gateway() *session.Gateway {
	return c.gateway
}

// Coordinator returns the coordinator scheduling this client's requests.
func (c *Client) Coordinator() *coordinator.Coordinator {
	return c.coordinator
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IsNative bool   `json:"isNative"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Login authenticates with username and password and starts a session.
// Login bypasses the coordinator; a failed login never triggers a refresh.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return fmt.Errorf("failed to encode login request: %w", err)
	}

	data, err := c.send(ctx, c.http, http.MethodPost, c.loginPath, body)
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}

	var resp loginResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if resp.AccessToken == "" {
		return fmt.Errorf("login response did not contain an access token")
	}

	if err := c.gateway.StartSession(ctx, resp.AccessToken, resp.RefreshToken); err != nil {
		return err
	}

	c.logger.Info("Logged in", "username", username, "refreshable", resp.RefreshToken != "")
	return nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

// Refresh exchanges refreshToken for a new access token. It is sent on the
// plain transport so it never recurses into session handling.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return "", fmt.Errorf("failed to encode refresh request: %w", err)
	}

	data, err := c.send(ctx, c.plain, http.MethodPost, c.refreshPath, body)
	if err != nil {
		return "", fmt.Errorf("failed to refresh access token: %w", err)
	}

	var resp refreshResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if resp.Data.Token == "" {
		return "", fmt.Errorf("refresh response did not contain a token")
	}
	return resp.Data.Token, nil
}

// Logout ends the session and drops queued requests.
func (c *Client) Logout(ctx context.Context) error {
	return c.gateway.EndSession(ctx, ErrLoggedOut)
}

// onLogout clears queued work before handing off to the caller's callback.
func (c *Client) onLogout(next session.LogoutFunc) session.LogoutFunc {
	return func(ctx context.Context, cause error) {
		if dropped := c.coordinator.Clear(); dropped > 0 {
			c.logger.Info("Dropped queued requests after logout", "count", dropped)
		}
		if next != nil {
			next(ctx, cause)
		}
	}
}

// call submits one API request to the coordinator under key and returns the
// shared response body.
func (c *Client) call(ctx context.Context, key string, priority int, method, path string, body []byte) ([]byte, error) {
	return coordinator.Do(ctx, c.coordinator, key, priority, func(ctx context.Context) ([]byte, error) {
		return c.send(ctx, c.http, method, path, body)
	})
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.NewString()
	req.Header.Set(HeaderRequestID, requestID)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.V(1).Info("Admin API request failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"requestID", requestID)
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// endpoint resolves an already escaped path against the base URL.
func (c *Client) endpoint(escaped string) string {
	u := *c.baseURL
	u.RawPath = c.baseURL.EscapedPath() + escaped
	path, err := url.PathUnescape(u.RawPath)
	if err != nil {
		path = c.baseURL.Path + escaped
		u.RawPath = ""
	}
	u.Path = path
	return u.String()
}

func pathOrDefault(path, def string) string {
	if path == "" {
		return def
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}
