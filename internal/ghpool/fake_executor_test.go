package ghpool

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
)

// fakeExecutor is a scriptable Executor for tests: each call to Execute
// invokes fn, which decides the response or failure.
type fakeExecutor struct {
	calls atomic.Int64
	fn    func(call int64, req ExecRequest) (ExecResponse, error)
}

func (f *fakeExecutor) Execute(_ context.Context, req ExecRequest) (ExecResponse, error) {
	n := f.calls.Add(1)
	return f.fn(n, req)
}

// alwaysSucceeds returns a 200 with the given rate-limit headers on every call.
func alwaysSucceeds(remaining, resetEpochSecs int64) *fakeExecutor {
	return &fakeExecutor{fn: func(_ int64, _ ExecRequest) (ExecResponse, error) {
		h := http.Header{}
		h.Set("X-Ratelimit-Remaining", strconv.FormatInt(remaining, 10))
		h.Set("X-Ratelimit-Reset", strconv.FormatInt(resetEpochSecs, 10))
		return ExecResponse{StatusCode: 200, Headers: h, Body: []byte(`{"items":[]}`)}, nil
	}}
}

// alwaysFails returns a non-2xx failure on every call, with no rate-limit headers.
func alwaysFails(status int) *fakeExecutor {
	return &fakeExecutor{fn: func(_ int64, req ExecRequest) (ExecResponse, error) {
		h := http.Header{}
		resp := ExecResponse{StatusCode: status, Headers: h}
		return resp, &RequestError{URL: req.URL, StatusCode: status, Headers: h, Err: errPlainFailure}
	}}
}

// failsWithRetryAfter fails with 429 and a Retry-After header on every call.
func failsWithRetryAfter(retryAfterSecs int64) *fakeExecutor {
	return &fakeExecutor{fn: func(_ int64, req ExecRequest) (ExecResponse, error) {
		h := http.Header{}
		h.Set("Retry-After", strconv.FormatInt(retryAfterSecs, 10))
		resp := ExecResponse{StatusCode: http.StatusTooManyRequests, Headers: h}
		return resp, &RequestError{URL: req.URL, StatusCode: http.StatusTooManyRequests, Headers: h, Err: errPlainFailure}
	}}
}

var errPlainFailure = errors.New("fake executor failure")
