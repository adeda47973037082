package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/catalogd/api"
	"pkt.systems/catalogd/internal/svcfields"
)

const (
	// DefaultHTTPTimeout bounds ordinary requests. Job triggers run for the
	// whole job and are not bounded unless WithRunTimeout is set.
	DefaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 8 << 20
)

// Context targets accepted by the context_* admin actions.
const (
	TargetAdmin = "admin"
	TargetRun   = "run"
)

// Client talks to one catalogd server.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	logger      pslog.Base
	adminSecret string
	httpTimeout time.Duration
	runTimeout  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithAdminSecret sets the X-Admin-Secret header sent on admin requests.
func WithAdminSecret(secret string) Option {
	return func(c *Client) {
		c.adminSecret = secret
	}
}

// WithHTTPTimeout overrides the per-request timeout for status and admin calls.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithRunTimeout bounds job trigger requests. Zero waits for the job.
func WithRunTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.runTimeout = d
	}
}

// New builds a client for baseURL. A bare host:port is treated as http.
func New(baseURL string, opts ...Option) (*Client, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		return nil, fmt.Errorf("catalogd: base URL required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("catalogd: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("catalogd: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("catalogd: base URL missing host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	c := &Client{
		baseURL:     u,
		httpClient:  &http.Client{},
		logger:      pslog.NoopLogger(),
		httpTimeout: DefaultHTTPTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a transport-level failure reported by the server (bad request,
// authentication, rate limiting) or an undecodable response.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for diagnostics.
	Body []byte
	// RetryAfter is the parsed Retry-After header, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("catalogd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("catalogd: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	return time.Duration(e.Response.RetryAfterSeconds) * time.Second
}

// AdminError reports an admin envelope with a non-success status.
type AdminError struct {
	StatusCode int
	Response   api.AdminResponse
}

func (e *AdminError) Error() string {
	if code, ok := e.Response.Data["error"].(string); ok && code != "" {
		return fmt.Sprintf("catalogd: %s %s: %s (%s)", e.Response.Action, e.Response.Status, e.Response.Message, code)
	}
	return fmt.Sprintf("catalogd: %s %s: %s", e.Response.Action, e.Response.Status, e.Response.Message)
}

// IsAdminStatus reports whether err is an AdminError with the given HTTP status.
func IsAdminStatus(err error, status int) bool {
	var adminErr *AdminError
	return errors.As(err, &adminErr) && adminErr.StatusCode == status
}

// RunResult is the envelope of a job trigger together with its HTTP status.
// BUSY, REQUEST_QUEUED and CONTEXT_SUSPENDED are results, not errors.
type RunResult struct {
	StatusCode int
	Response   api.RequestResponse
}

// Run triggers the job for kind.
func (c *Client) Run(ctx context.Context, kind string) (RunResult, error) {
	path := "/run/" + url.PathEscape(kind)
	switch kind {
	case "scrape":
		path = "/run-scrape"
	case "musts":
		path = "/run-musts"
	}
	var out api.RequestResponse
	status, err := c.do(ctx, http.MethodGet, path, nil, nil, c.runTimeout, func(body []byte) bool {
		return json.Unmarshal(body, &out) == nil && out.Status != ""
	})
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{StatusCode: status, Response: out}, nil
}

// Root fetches service metadata.
func (c *Client) Root(ctx context.Context) (api.RootResponse, error) {
	var out api.RootResponse
	_, err := c.do(ctx, http.MethodGet, "/", nil, nil, c.httpTimeout, func(body []byte) bool {
		return json.Unmarshal(body, &out) == nil && out.Name != ""
	})
	return out, err
}

// Status fetches the busy/idle document and lease status.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	_, err := c.do(ctx, http.MethodGet, "/status", nil, nil, c.httpTimeout, func(body []byte) bool {
		return json.Unmarshal(body, &out) == nil && out.Status != ""
	})
	return out, err
}

// Admin posts one admin action. token, when set, travels in the
// X-Admin-Lock-Token header. A FAILED envelope yields an *AdminError along
// with the decoded response; PARTIAL is returned without error.
func (c *Client) Admin(ctx context.Context, action string, payload map[string]any, token string) (api.AdminResponse, error) {
	body, err := json.Marshal(api.AdminRequest{Action: action, Payload: payload})
	if err != nil {
		return api.AdminResponse{}, err
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	if c.adminSecret != "" {
		headers.Set(api.HeaderAdminSecret, c.adminSecret)
	}
	if token != "" {
		headers.Set(api.HeaderAdminLockToken, token)
	}
	var out api.AdminResponse
	status, err := c.do(ctx, http.MethodPost, "/admin", body, headers, c.httpTimeout, func(raw []byte) bool {
		return json.Unmarshal(raw, &out) == nil && out.Status != ""
	})
	if err != nil {
		return out, err
	}
	if out.Status == api.AdminStatusFailed || status >= http.StatusBadRequest {
		return out, &AdminError{StatusCode: status, Response: out}
	}
	return out, nil
}

// AcquireAdminLock takes the admin lease and returns its token.
func (c *Client) AcquireAdminLock(ctx context.Context) (string, api.AdminResponse, error) {
	resp, err := c.Admin(ctx, api.ActionAdminLockAcquire, nil, "")
	if err != nil {
		return "", resp, err
	}
	token, _ := resp.Data["lock_token"].(string)
	if token == "" {
		return "", resp, fmt.Errorf("catalogd: acquire response carried no lock token")
	}
	return token, resp, nil
}

// ReleaseAdminLock releases the admin lease held by token.
func (c *Client) ReleaseAdminLock(ctx context.Context, token string) (api.AdminResponse, error) {
	return c.Admin(ctx, api.ActionAdminLockRelease, nil, token)
}

// AdminLockStatus reports the admin and run lease status.
func (c *Client) AdminLockStatus(ctx context.Context) (api.AdminResponse, error) {
	return c.Admin(ctx, api.ActionAdminLockStatus, nil, "")
}

// ContextGet returns the execution context for target (TargetAdmin or TargetRun).
func (c *Client) ContextGet(ctx context.Context, token, target string) (api.AdminResponse, error) {
	return c.Admin(ctx, api.ActionContextGet, targetPayload(target), token)
}

// ContextClearQueue empties the queue of target.
func (c *Client) ContextClearQueue(ctx context.Context, token, target string) (api.AdminResponse, error) {
	return c.Admin(ctx, api.ActionContextClearQueue, targetPayload(target), token)
}

// ContextResetFailures zeroes the error count of target.
func (c *Client) ContextResetFailures(ctx context.Context, token, target string) (api.AdminResponse, error) {
	return c.Admin(ctx, api.ActionContextResetFailures, targetPayload(target), token)
}

// ContextUnsuspend clears the suspension flag of target.
func (c *Client) ContextUnsuspend(ctx context.Context, token, target string) (api.AdminResponse, error) {
	return c.Admin(ctx, api.ActionContextUnsuspend, targetPayload(target), token)
}

// SettingsGet returns the public view of the runtime settings.
func (c *Client) SettingsGet(ctx context.Context) (api.AdminResponse, error) {
	return c.Admin(ctx, api.ActionSettingsGet, nil, "")
}

// SettingsSet applies updates. A partially applied batch returns the PARTIAL
// envelope without error.
func (c *Client) SettingsSet(ctx context.Context, token string, updates map[string]any) (api.AdminResponse, error) {
	return c.Admin(ctx, api.ActionSettingsSet, map[string]any{"updates": updates}, token)
}

func targetPayload(target string) map[string]any {
	if target == "" {
		return nil
	}
	return map[string]any{"target": target}
}

// do issues one request. decode reports whether body is the expected envelope;
// otherwise the body is treated as an api.ErrorResponse.
func (c *Client) do(ctx context.Context, method, path string, body []byte, headers http.Header, timeout time.Duration, decode func([]byte) bool) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	endpoint := *c.baseURL
	endpoint.Path = c.baseURL.Path + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	start := time.Now()
	c.logger.Trace("client.http.start", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.error", "method", method, "path", path, "error", err)
		return 0, fmt.Errorf("catalogd: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("catalogd: read response: %w", err)
	}
	c.logger.Trace("client.http.complete", "method", method, "path", path, "status", resp.StatusCode,
		"request_id", resp.Header.Get(api.HeaderRequestID), "elapsed", time.Since(start))
	if decode(raw) {
		return resp.StatusCode, nil
	}
	apiErr := &APIError{Status: resp.StatusCode, Body: raw}
	_ = json.Unmarshal(raw, &apiErr.Response)
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return resp.StatusCode, apiErr
}
