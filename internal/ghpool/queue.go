package ghpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/poolingh/poolingh/internal/observability"
)

// DefaultMaxPerRequest mirrors the public API surface's default.
const DefaultMaxPerRequest = 5

// idleWait is the dispatch loop's fallback poll interval when the backlog
// is empty or no client is free; overridden in tests for faster runs.
var idleWait = time.Second

// Queue owns a fixed set of Clients and a shared LIFO backlog, and drives
// dispatch across whichever clients are free and authorized.
type Queue struct {
	clients []*Client
	logger  *slog.Logger

	maxPerRequest int
	maxTotal      int
	idleWait      time.Duration
	limiter       *rate.Limiter

	mu          sync.Mutex
	backlog     []*Request
	errorsByUrl map[string]int

	errorCount atomic.Int64
	running    atomic.Bool
	stopped    atomic.Bool

	metrics *observability.Metrics

	wake chan struct{}
	wg   sync.WaitGroup
}

// QueueOption configures a Queue at construction time.
type QueueOption func(*Queue)

// WithMaxPerRequest overrides the default per-URL failure budget (5).
func WithMaxPerRequest(n int) QueueOption {
	return func(q *Queue) { q.maxPerRequest = n }
}

// WithMaxTotal overrides the default global failure budget
// (maxPerRequest * 1000).
func WithMaxTotal(n int) QueueOption {
	return func(q *Queue) { q.maxTotal = n }
}

// WithIdleWait overrides how long the dispatch loop waits between ticks
// when the backlog is empty or no client is free (default 1s).
func WithIdleWait(d time.Duration) QueueOption {
	return func(q *Queue) { q.idleWait = d }
}

// WithQueueLogger attaches a logger; defaults to slog.Default().
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithGlobalLimiter caps the aggregate dispatch rate across all clients,
// independent of each client's own rate-limit state machine. Useful for
// staying well under a documented abuse threshold even when every client
// individually reports headroom.
func WithGlobalLimiter(l *rate.Limiter) QueueOption {
	return func(q *Queue) { q.limiter = l }
}

// WithMetrics attaches a Metrics sink the queue reports dispatch outcomes,
// latency, and backlog depth to.
func WithMetrics(m *observability.Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue builds a Queue over a fixed, ordered client set. Iteration order
// over clients during dispatch equals the order given here.
func NewQueue(clients []*Client, opts ...QueueOption) *Queue {
	q := &Queue{
		clients:       append([]*Client(nil), clients...),
		logger:        slog.Default(),
		maxPerRequest: DefaultMaxPerRequest,
		errorsByUrl:   make(map[string]int),
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.maxTotal == 0 {
		q.maxTotal = q.maxPerRequest * 1000
	}
	return q
}

// GetClients returns the fixed client set, in construction order.
func (q *Queue) GetClients() []*Client { return q.clients }

// GetQueueLength returns the current backlog size.
func (q *Queue) GetQueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// GetRequestFailCount returns the number of distinct URLs whose attempt
// count has reached maxPerRequest.
func (q *Queue) GetRequestFailCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, count := range q.errorsByUrl {
		if count >= q.maxPerRequest {
			n++
		}
	}
	return n
}

// Push appends requests to the backlog; the most recently pushed request
// is dispatched first (LIFO).
func (q *Queue) Push(reqs ...*Request) {
	if len(reqs) == 0 {
		return
	}
	q.mu.Lock()
	q.backlog = append(q.backlog, reqs...)
	depth := len(q.backlog)
	q.mu.Unlock()
	q.reportDepth(depth)
	q.notify()
}

// Unshift inserts requests at the head of the dispatch order, preserving
// their relative order — the first argument is dispatched next, ahead of
// everything already enqueued. Dispatch pops the end of the backlog slice,
// so the arguments are appended there in reverse.
func (q *Queue) Unshift(reqs ...*Request) {
	if len(reqs) == 0 {
		return
	}
	q.mu.Lock()
	for i := len(reqs) - 1; i >= 0; i-- {
		q.backlog = append(q.backlog, reqs[i])
	}
	depth := len(q.backlog)
	q.mu.Unlock()
	q.reportDepth(depth)
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) reportDepth(depth int) {
	if q.metrics != nil {
		q.metrics.QueueDepth.Store(int64(depth))
	}
}

type dispatchPair struct {
	client *Client
	req    *Request
}

// Start begins the dispatch loop. Calling Start again while a loop is
// already running is rejected with ErrQueueRunning rather than spawning a
// concurrent loop.
func (q *Queue) Start() error {
	if !q.running.CompareAndSwap(false, true) {
		return ErrQueueRunning
	}
	q.stopped.Store(false)
	q.logger.Info("queue started", "clients", len(q.clients))

	q.wg.Add(1)
	go q.run()
	return nil
}

// Stop requests the dispatch loop to exit at its next tick. In-flight
// dispatches are not cancelled; their completions still run.
func (q *Queue) Stop() {
	q.stopped.Store(true)
	q.notify()
	q.logger.Info("queue stop requested")
}

// Wait blocks until the dispatch loop has exited (stop, or global-error
// abort).
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	defer q.running.Store(false)

	ctx := context.Background()
	wait := q.idleWait
	if wait <= 0 {
		wait = idleWait
	}
	ticker := time.NewTicker(wait)
	defer ticker.Stop()

	for {
		if q.stopped.Load() {
			q.logger.Info("queue stopped")
			return
		}
		if q.errorCount.Load() >= int64(q.maxTotal) {
			q.logger.Error("queue aborted: global error budget exhausted",
				"error_count", q.errorCount.Load(), "max_total", q.maxTotal)
			if q.metrics != nil {
				q.metrics.GlobalAborts.Add(1)
			}
			return
		}

		if q.dispatch(ctx) {
			continue
		}

		select {
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// dispatch performs one tick: for each free, authorized client in
// construction order, claim it via TryAcquire and pop the backlog tail,
// then dispatch the claimed batch in parallel. TryAcquire marks a client
// busy synchronously, under the same lock that scans the client set — a
// client claimed this tick cannot be claimed again before its dispatchOne
// goroutine actually starts. It returns whether anything was dispatched
// this tick.
func (q *Queue) dispatch(ctx context.Context) bool {
	var batch []dispatchPair

	q.mu.Lock()
	for _, c := range q.clients {
		if len(q.backlog) == 0 {
			break
		}
		if !c.TryAcquire() {
			continue
		}
		if q.limiter != nil && !q.limiter.Allow() {
			c.Release()
			break
		}
		last := len(q.backlog) - 1
		req := q.backlog[last]
		q.backlog = q.backlog[:last]
		batch = append(batch, dispatchPair{client: c, req: req})
	}
	depth := len(q.backlog)
	q.mu.Unlock()
	q.reportDepth(depth)

	for _, d := range batch {
		go q.dispatchOne(ctx, d.client, d.req)
	}
	return len(batch) > 0
}

// dispatchOne runs one client/request pair to completion and schedules an
// immediate re-tick, per request rather than per batch — a single slow
// client must not stall the others. The client was already marked busy by
// TryAcquire in dispatch; Request itself clears it again on return.
func (q *Queue) dispatchOne(ctx context.Context, c *Client, r *Request) {
	start := time.Now()
	result, err := c.Request(ctx, r.URL(), r.Params())
	if q.metrics != nil {
		q.metrics.ObserveLatency(time.Since(start))
		q.metrics.DispatchesTotal.Add(1)
	}
	if err != nil {
		q.handleFailure(r, err)
	} else {
		q.handleSuccess(r, result)
	}
	q.notify()
}

func (q *Queue) handleSuccess(r *Request, result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Warn("request callback panicked", "url", r.URL(), "recovered", rec)
		}
	}()
	r.RunCallback(result)
}

func (q *Queue) handleFailure(r *Request, err error) {
	q.errorCount.Add(1)
	if q.metrics != nil {
		q.metrics.DispatchesFailed.Add(1)
	}

	q.mu.Lock()
	q.errorsByUrl[r.URL()]++
	attempts := q.errorsByUrl[r.URL()]
	q.mu.Unlock()

	if attempts < q.maxPerRequest {
		q.logger.Warn("request failed, retrying", "url", r.URL(), "attempt", attempts, "error", err)
		if q.metrics != nil {
			q.metrics.DispatchesRetried.Add(1)
		}
		q.Unshift(r)
		return
	}

	if q.metrics != nil {
		q.metrics.RequestsAbandoned.Add(1)
	}
	q.logger.Error("request abandoned: per-url failure budget exhausted", "url", r.URL(), "attempts", attempts)
}
