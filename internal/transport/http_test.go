package transport

import (
	"bytes"
	"compress/gzip"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/poolingh/poolingh/internal/ghpool"
)

func testExecutor(t *testing.T, handler http.HandlerFunc) (*HTTPExecutor, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	e := New(5 * time.Second)
	t.Cleanup(func() { e.Close() })
	return e, srv
}

func TestExecuteSuccess(t *testing.T) {
	e, srv := testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Custom"); got != "yes" {
			t.Errorf("expected merged caller header, got %q", got)
		}
		w.Header().Set("X-Ratelimit-Remaining", "29")
		w.Header().Set("X-Ratelimit-Reset", "1700000000")
		w.Write([]byte(`{"total_count":0,"items":[]}`))
	})

	resp, err := e.Execute(t.Context(), ghpool.ExecRequest{
		URL:     srv.URL,
		Method:  http.MethodGet,
		Headers: http.Header{"X-Custom": []string{"yes"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Headers.Get("X-Ratelimit-Remaining"); got != "29" {
		t.Errorf("expected rate-limit headers surfaced, got %q", got)
	}
	if !bytes.Contains(resp.Body, []byte("total_count")) {
		t.Errorf("unexpected body %q", resp.Body)
	}
}

func TestExecuteGzipDecompression(t *testing.T) {
	e, srv := testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`{"compressed":true}`))
		gz.Close()
	})

	resp, err := e.Execute(t.Context(), ghpool.ExecRequest{URL: srv.URL, Method: http.MethodGet})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(resp.Body) != `{"compressed":true}` {
		t.Errorf("expected decompressed body, got %q", resp.Body)
	}
}

func TestExecute429CarriesRetryAfter(t *testing.T) {
	e, srv := testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "90")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"rate limited"}`))
	})

	resp, err := e.Execute(t.Context(), ghpool.ExecRequest{URL: srv.URL, Method: http.MethodGet})
	if err == nil {
		t.Fatal("expected an error for a 429 response")
	}

	var reqErr *ghpool.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *ghpool.RequestError, got %T", err)
	}
	if reqErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", reqErr.StatusCode)
	}
	if !reqErr.Retryable {
		t.Error("expected 429 to be retryable")
	}
	if reqErr.RetryAfter != 90*time.Second {
		t.Errorf("expected RetryAfter 90s, got %s", reqErr.RetryAfter)
	}
	if resp.Headers.Get("Retry-After") != "90" {
		t.Error("expected response headers preserved alongside the error")
	}
}

func TestExecuteClientErrorNotRetryable(t *testing.T) {
	e, srv := testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := e.Execute(t.Context(), ghpool.ExecRequest{URL: srv.URL, Method: http.MethodGet})
	var reqErr *ghpool.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *ghpool.RequestError, got %v", err)
	}
	if reqErr.Retryable {
		t.Error("a 404 must not be marked retryable")
	}
}

func TestExecuteServerErrorRetryable(t *testing.T) {
	e, srv := testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := e.Execute(t.Context(), ghpool.ExecRequest{URL: srv.URL, Method: http.MethodGet})
	var reqErr *ghpool.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *ghpool.RequestError, got %v", err)
	}
	if !reqErr.Retryable {
		t.Error("a 502 must be marked retryable")
	}
}

func TestExecuteDropsInvalidHeaders(t *testing.T) {
	e, srv := testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["X-Ok"]; !ok {
			t.Error("expected the valid header to arrive")
		}
	})

	_, err := e.Execute(t.Context(), ghpool.ExecRequest{
		URL:    srv.URL,
		Method: http.MethodGet,
		Headers: http.Header{
			"X-Ok":        []string{"fine"},
			"Bad\nName":   []string{"x"},
			"X-Bad-Value": []string{"line\nbreak"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecuteMaxBodySize(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(big)
	}))
	defer srv.Close()

	e := New(5*time.Second, WithMaxBodySize(100))
	defer e.Close()

	resp, err := e.Execute(t.Context(), ghpool.ExecRequest{URL: srv.URL, Method: http.MethodGet})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(resp.Body) != 100 {
		t.Errorf("expected body capped at 100 bytes, got %d", len(resp.Body))
	}
}
