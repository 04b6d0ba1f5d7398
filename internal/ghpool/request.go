package ghpool

import (
	"github.com/google/uuid"
)

// Params carries the optional per-request overrides a caller may supply:
// method, extra headers, and a body. The zero value means GET with no
// extra headers and no body.
type Params struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// Result is handed to a Request's callback on a successful dispatch.
type Result struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// Callback runs exactly once, on a successful dispatch. Its return value is
// discarded by the Queue but kept in the signature for embedders that want
// to chain results through RunCallback directly.
type Callback func(Result) any

func noopCallback(Result) any { return nil }

// Request is an immutable unit of work. It is owned by a Queue while
// enqueued and consumed by exactly one Client dispatch at a time.
type Request struct {
	id       string
	url      string
	params   Params
	callback Callback
}

// NewRequest builds a Request. A nil callback is replaced with a no-op.
// The URL must be non-empty.
func NewRequest(url string, params Params, callback Callback) (*Request, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}
	if callback == nil {
		callback = noopCallback
	}
	return &Request{
		id:       uuid.NewString(),
		url:      url,
		params:   params,
		callback: callback,
	}, nil
}

// ID returns the request's generated identifier.
func (r *Request) ID() string { return r.id }

// URL returns the request's target URL.
func (r *Request) URL() string { return r.url }

// Params returns the request's parameter bag.
func (r *Request) Params() Params { return r.params }

// RunCallback invokes the stored callback with the supplied result and
// returns its return value.
func (r *Request) RunCallback(result Result) any {
	return r.callback(result)
}
