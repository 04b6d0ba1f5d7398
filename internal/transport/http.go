// Package transport provides the default net/http-based implementation of
// ghpool.Executor.
package transport

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/http/httpguts"

	"github.com/poolingh/poolingh/internal/ghpool"
)

// HTTPExecutor implements ghpool.Executor over net/http, handling
// response decompression and retryable-error classification itself.
type HTTPExecutor struct {
	client    *http.Client
	logger    *slog.Logger
	userAgent string
	maxBody   int64
}

// Option configures an HTTPExecutor.
type Option func(*HTTPExecutor)

// WithUserAgent overrides the default User-Agent string.
func WithUserAgent(ua string) Option {
	return func(e *HTTPExecutor) { e.userAgent = ua }
}

// WithMaxBodySize caps how much of a response body is read. 0 means
// unbounded.
func WithMaxBodySize(n int64) Option {
	return func(e *HTTPExecutor) { e.maxBody = n }
}

// WithLogger attaches a logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *HTTPExecutor) { e.logger = l }
}

// New builds an HTTPExecutor with sane defaults: 30s dial timeout, brotli
// decompression handled manually (so DisableCompression is set), and TLS
// verification on.
func New(timeout time.Duration, opts ...Option) *HTTPExecutor {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{},
		DisableCompression:  true,
	}

	e := &HTTPExecutor{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger:    slog.Default(),
		userAgent: "poolingh/1.0",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute implements ghpool.Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, req ghpool.ExecRequest) (ghpool.ExecResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader(req.Body))
	if err != nil {
		return ghpool.ExecResponse{}, &ghpool.RequestError{URL: req.URL, Err: err}
	}

	httpReq.Header.Set("User-Agent", e.userAgent)
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, vs := range req.Headers {
		for _, v := range vs {
			if httpguts.ValidHeaderFieldName(k) && httpguts.ValidHeaderFieldValue(v) {
				httpReq.Header.Add(k, v)
			}
		}
	}
	if len(req.Body) > 0 {
		httpReq.ContentLength = int64(len(req.Body))
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return ghpool.ExecResponse{}, transportError(req.URL, err)
	}
	defer httpResp.Body.Close()

	stream := io.Reader(httpResp.Body)
	if e.maxBody > 0 {
		stream = io.LimitReader(stream, e.maxBody)
	}
	stream, err = decodeBody(httpResp.Header.Get("Content-Encoding"), stream)
	if err != nil {
		return ghpool.ExecResponse{Headers: httpResp.Header}, &ghpool.RequestError{URL: req.URL, Err: err}
	}

	body, err := io.ReadAll(stream)
	if err != nil {
		return ghpool.ExecResponse{Headers: httpResp.Header}, transportError(req.URL, err)
	}

	resp := ghpool.ExecResponse{StatusCode: httpResp.StatusCode, Headers: httpResp.Header, Body: body}

	if httpResp.StatusCode >= 400 {
		reqErr := &ghpool.RequestError{
			URL:        req.URL,
			StatusCode: httpResp.StatusCode,
			Headers:    httpResp.Header,
			Retryable:  httpResp.StatusCode >= 500,
			Err:        fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(limitedPreview(body)))),
		}
		// 403 and 429 are the rate-limit statuses; Retry-After is
		// honored only for them.
		if httpResp.StatusCode == http.StatusForbidden || httpResp.StatusCode == http.StatusTooManyRequests {
			reqErr.Retryable = true
			reqErr.RetryAfter = retryAfterHint(httpResp.Header)
		}
		return resp, reqErr
	}

	return resp, nil
}

// Close releases idle connections.
func (e *HTTPExecutor) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func limitedPreview(body []byte) []byte {
	if len(body) > 256 {
		return body[:256]
	}
	return body
}

func bodyReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return strings.NewReader(string(b))
}

// contentDecoders maps a Content-Encoding token to a wrapper for the raw
// body stream. Encodings not listed here pass through untouched.
var contentDecoders = map[string]func(io.Reader) (io.Reader, error){
	"gzip":    func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
	"deflate": func(r io.Reader) (io.Reader, error) { return flate.NewReader(r), nil },
	"br":      func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil },
}

func decodeBody(encoding string, r io.Reader) (io.Reader, error) {
	decode, ok := contentDecoders[encoding]
	if !ok {
		return r, nil
	}
	return decode(r)
}

// transportError wraps a network-level failure in a *ghpool.RequestError,
// deciding retryability at construction: connection-shaped faults
// (timeouts, resets, refusals, truncated streams) are worth another
// attempt, while a cancelled or expired context is the caller's decision
// and never retried.
func transportError(url string, err error) *ghpool.RequestError {
	reqErr := &ghpool.RequestError{URL: url, Err: err}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return reqErr
	}

	var timeout interface{ Timeout() bool }
	reqErr.Retryable = errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		(errors.As(err, &timeout) && timeout.Timeout())
	return reqErr
}

// retryAfterCap bounds the RetryAfter hint recorded on a rate-limited
// *ghpool.RequestError. The Client's own pause reads the raw Retry-After
// header and is not bounded by this cap.
const retryAfterCap = 2 * time.Minute

// retryAfterHint interprets a rate-limited response's Retry-After header,
// which may be delta-seconds or an HTTP-date. Absent or unparseable
// values yield a short fixed hint.
func retryAfterHint(headers http.Header) time.Duration {
	const fallback = 5 * time.Second

	raw := strings.TrimSpace(headers.Get("Retry-After"))
	if raw == "" {
		return fallback
	}

	var hint time.Duration
	switch n, err := strconv.Atoi(raw); {
	case err == nil:
		hint = time.Duration(n) * time.Second
	default:
		when, err := http.ParseTime(raw)
		if err != nil {
			return fallback
		}
		hint = time.Until(when)
	}

	return min(max(hint, time.Second), retryAfterCap)
}
