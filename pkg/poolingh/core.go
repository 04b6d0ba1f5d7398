package poolingh

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/poolingh/poolingh/internal/ghpool"
	"github.com/poolingh/poolingh/internal/transport"
)

// The core types are aliased here so callers who want direct control over
// the pool — their own Executor, explicit Client construction, Unshift,
// Pause — can use them without the Miner facade.
type (
	// Request is an immutable unit of work: a target URL, a parameter
	// bag, and a completion callback.
	Request = ghpool.Request

	// Client is a single credential's rate-limit-aware request gate.
	Client = ghpool.Client

	// Queue owns a fixed set of Clients and a shared backlog, dispatching
	// newest-first with failed requests retried ahead of the rest.
	Queue = ghpool.Queue

	// Params carries a request's optional method, headers, and body.
	Params = ghpool.Params

	// Callback runs exactly once per successful dispatch.
	Callback = ghpool.Callback

	// Executor performs the HTTP call a Client needs made.
	Executor = ghpool.Executor

	// ExecRequest is the fully-assembled outgoing call handed to an Executor.
	ExecRequest = ghpool.ExecRequest

	// ExecResponse is what an Executor hands back, success or failure alike.
	ExecResponse = ghpool.ExecResponse

	// RequestError wraps a failed dispatch with its response status and headers.
	RequestError = ghpool.RequestError

	// ClientOption configures a Client at construction time.
	ClientOption = ghpool.ClientOption

	// QueueOption configures a Queue at construction time.
	QueueOption = ghpool.QueueOption
)

// Sentinel errors re-exported from the core.
var (
	ErrEmptyURL     = ghpool.ErrEmptyURL
	ErrQueueRunning = ghpool.ErrQueueRunning
)

// NewRequest builds a Request. A nil callback is replaced with a no-op;
// the URL must be non-empty.
func NewRequest(url string, params Params, callback Callback) (*Request, error) {
	return ghpool.NewRequest(url, params, callback)
}

// NewClient builds a Client bound to an Executor.
func NewClient(token string, executor Executor, opts ...ClientOption) *Client {
	return ghpool.NewClient(token, executor, opts...)
}

// NewQueue builds a Queue over a fixed, ordered client set.
func NewQueue(clients []*Client, opts ...QueueOption) *Queue {
	return ghpool.NewQueue(clients, opts...)
}

// NewHTTPExecutor builds the default net/http-backed Executor.
func NewHTTPExecutor(timeout time.Duration, opts ...transport.Option) Executor {
	return transport.New(timeout, opts...)
}

// ClientSafetyMargin sets how many requests of headroom a Client keeps
// before proactively pausing.
func ClientSafetyMargin(n int) ClientOption { return ghpool.WithSafetyMargin(n) }

// ClientResumeBuffer sets the extra delay added after a rate-limit reset
// before a paused Client resumes.
func ClientResumeBuffer(d time.Duration) ClientOption { return ghpool.WithResumeBuffer(d) }

// QueueMaxPerRequest sets the per-URL failure budget.
func QueueMaxPerRequest(n int) QueueOption { return ghpool.WithMaxPerRequest(n) }

// QueueMaxTotal sets the global failure budget.
func QueueMaxTotal(n int) QueueOption { return ghpool.WithMaxTotal(n) }

// QueueIdleWait sets how long the dispatch loop waits between ticks when
// idle.
func QueueIdleWait(d time.Duration) QueueOption { return ghpool.WithIdleWait(d) }

// QueueGlobalLimiter caps the aggregate dispatch rate across all clients.
func QueueGlobalLimiter(l *rate.Limiter) QueueOption { return ghpool.WithGlobalLimiter(l) }

// ClientLogger attaches a logger to a Client.
func ClientLogger(l *slog.Logger) ClientOption { return ghpool.WithClientLogger(l) }

// QueueLogger attaches a logger to a Queue.
func QueueLogger(l *slog.Logger) QueueOption { return ghpool.WithQueueLogger(l) }
