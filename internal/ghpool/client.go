package ghpool

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poolingh/poolingh/internal/observability"
)

// Defaults mirrored from the public API surface.
const (
	DefaultSafetyMargin = 5
	DefaultResumeBuffer = 2 * time.Second
)

// Client is a single credential's rate-limit-aware request gate. At most
// one resume timer is pending, enforced under mu. The busy flag is also
// kept under mu; the Queue claims it through TryAcquire, which keeps one
// request in flight per client, but Request itself does not refuse a call
// while the client is busy.
type Client struct {
	id       string
	token    string
	executor Executor
	logger   *slog.Logger
	metrics  *observability.Metrics

	safetyMargin int
	resumeBuffer time.Duration

	mu                sync.Mutex
	authorized        bool
	busy              bool
	remainingRequests int
	resetAt           int64 // epoch millis
	resumeTimer       *time.Timer
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithSafetyMargin overrides the default safety margin (5).
func WithSafetyMargin(n int) ClientOption {
	return func(c *Client) { c.safetyMargin = n }
}

// WithResumeBuffer overrides the default resume buffer (2s).
func WithResumeBuffer(d time.Duration) ClientOption {
	return func(c *Client) { c.resumeBuffer = d }
}

// WithClientLogger attaches a logger; defaults to slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClientMetrics attaches a Metrics sink the client reports its
// currently-paused state to.
func WithClientMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a Client bound to an Executor. It starts authorized with
// zero known remaining quota — the first response populates real numbers.
func NewClient(token string, executor Executor, opts ...ClientOption) *Client {
	c := &Client{
		id:           uuid.NewString(),
		token:        token,
		executor:     executor,
		logger:       slog.Default(),
		safetyMargin: DefaultSafetyMargin,
		resumeBuffer: DefaultResumeBuffer,
		authorized:   true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the client's generated identifier (not the credential itself).
func (c *Client) ID() string { return c.id }

func (c *Client) maskedToken() string {
	if len(c.token) <= 5 {
		return c.token
	}
	return c.token[len(c.token)-5:]
}

// GetToken returns only the last 5 characters of the credential, for
// logging — the full token is never observable outside the Client.
func (c *Client) GetToken() string { return c.maskedToken() }

// IsAuthorized reports whether the client currently accepts dispatch.
func (c *Client) IsAuthorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

// IsBusy reports whether a request is currently in flight.
func (c *Client) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// TryAcquire atomically checks that the client is authorized and idle and,
// if so, marks it busy before returning true. Callers that select a client
// for dispatch must use this instead of separate IsAuthorized/IsBusy checks
// — otherwise two ticks of a dispatch loop can both observe the client as
// free before either one's dispatch goroutine has run, and issue two
// concurrent requests on the same credential. Release() undoes the claim
// if the caller ends up not dispatching after all.
func (c *Client) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authorized || c.busy {
		return false
	}
	c.busy = true
	return true
}

// Release clears the busy flag without performing a request. Used by a
// caller that acquired the client via TryAcquire but decided not to
// dispatch to it after all (e.g. a global rate limiter denial).
func (c *Client) Release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// Request performs one HTTP call through the bound Executor. It always
// returns either a Result or an error — it never panics on a transport
// failure.
func (c *Client) Request(ctx context.Context, url string, params Params) (Result, error) {
	c.mu.Lock()
	c.busy = true
	c.mu.Unlock()

	method := params.Method
	if method == "" {
		method = http.MethodGet
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.token)
	headers.Set("Accept", "application/vnd.github.v3+json")
	for k, v := range params.Headers {
		headers.Set(k, v)
	}

	c.logger.Info("client query", "client", c.maskedToken(), "url", url)

	resp, execErr := c.executor.Execute(ctx, ExecRequest{
		URL:     url,
		Method:  method,
		Headers: headers,
		Body:    params.Body,
	})

	c.refreshFromHeaders(resp.Headers)

	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()

	if execErr != nil {
		c.handleFailureStatus(resp)
		return Result{}, execErr
	}

	return Result{StatusCode: resp.StatusCode, Headers: resp.Headers, Body: resp.Body}, nil
}

// handleFailureStatus implements the 403/429 branch of request execution:
// prefer Retry-After when present, otherwise fall back to the last known
// resetAt.
func (c *Client) handleFailureStatus(resp ExecResponse) {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return
	}

	retryAfter := resp.Headers.Get("Retry-After")
	if retryAfter != "" {
		if secs, err := strconv.ParseInt(retryAfter, 10, 64); err == nil {
			c.logger.Warn("rate limited", "client", c.maskedToken(), "status", resp.StatusCode, "retry_after_s", secs)
			c.Pause(time.Now().UnixMilli() + secs*1000)
			return
		}
	}

	c.mu.Lock()
	resetAt := c.resetAt
	c.mu.Unlock()
	if resetAt > 0 {
		c.logger.Warn("rate limited", "client", c.maskedToken(), "status", resp.StatusCode, "reset_at", resetAt)
		c.Pause(resetAt)
	}
}

// refreshFromHeaders implements the header-refresh routine: both
// x-ratelimit-remaining and x-ratelimit-reset must be present to update
// state; their absence is a warning, not a pause.
func (c *Client) refreshFromHeaders(headers http.Header) {
	if headers == nil {
		c.logger.Warn("rate limit headers missing", "client", c.maskedToken())
		return
	}

	remainingStr := headers.Get("X-Ratelimit-Remaining")
	resetStr := headers.Get("X-Ratelimit-Reset")
	if remainingStr == "" || resetStr == "" {
		c.logger.Warn("rate limit headers missing", "client", c.maskedToken())
		return
	}

	remaining, err1 := strconv.Atoi(remainingStr)
	reset, err2 := strconv.ParseInt(resetStr, 10, 64)
	if err1 != nil || err2 != nil {
		c.logger.Warn("rate limit headers malformed", "client", c.maskedToken(), "remaining", remainingStr, "reset", resetStr)
		return
	}

	c.mu.Lock()
	c.remainingRequests = remaining
	c.resetAt = reset * 1000
	resetAt := c.resetAt
	shouldPause := remaining-c.safetyMargin <= 0
	c.mu.Unlock()

	c.logger.Info("rate limit snapshot", "client", c.maskedToken(), "remaining", remaining, "reset_at", resetAt)

	if shouldPause {
		c.Pause(resetAt)
	}
}

// Pause cancels any pending resume timer and either resumes immediately
// (resetAt already in the past, accounting for resumeBuffer) or schedules a
// single one-shot resume timer.
func (c *Client) Pause(resetAt int64) {
	c.mu.Lock()
	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
		c.resumeTimer = nil
	}
	wasAuthorized := c.authorized

	delay := time.Until(time.UnixMilli(resetAt)) + c.resumeBuffer
	if delay <= 0 {
		c.authorized = true
		c.mu.Unlock()
		if !wasAuthorized && c.metrics != nil {
			c.metrics.ClientsPaused.Add(-1)
		}
		c.logger.Info("client resumed immediately", "client", c.maskedToken())
		return
	}

	c.authorized = false
	c.resumeTimer = time.AfterFunc(delay, c.resume)
	c.mu.Unlock()

	if wasAuthorized && c.metrics != nil {
		c.metrics.ClientsPaused.Add(1)
	}
	c.logger.Info("client paused", "client", c.maskedToken(), "reset_at", resetAt, "remaining", delay.Round(time.Second).String())
}

func (c *Client) resume() {
	c.mu.Lock()
	wasAuthorized := c.authorized
	c.authorized = true
	c.resumeTimer = nil
	c.mu.Unlock()
	if !wasAuthorized && c.metrics != nil {
		c.metrics.ClientsPaused.Add(-1)
	}
	c.logger.Info("client resumed", "client", c.maskedToken())
}
