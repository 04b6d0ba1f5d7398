package ghpool

import (
	"context"
	"net/http"
)

// ExecRequest is what a Client hands to an Executor: a fully-assembled
// outgoing call, headers already merged with the credential's bearer token.
type ExecRequest struct {
	URL     string
	Method  string
	Headers http.Header
	Body    []byte
}

// ExecResponse is what an Executor hands back on completion, success or
// failure alike — the Client needs the headers in both cases to refresh its
// rate-limit state. Header is nil only when no response was ever received.
type ExecResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Executor performs the HTTP call a Client needs made. It is the external
// request executor the core treats as out of scope: the core only depends
// on this interface, never on a concrete transport.
//
// Execute must never block past ctx's deadline, and must return a non-nil
// error for any non-2xx response so the Client can drive its pause logic —
// a *RequestError carrying the response status/headers is the expected
// shape, but any error is accepted (the Client degrades to "no response
// seen" header refresh in that case).
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResponse, error)
}
