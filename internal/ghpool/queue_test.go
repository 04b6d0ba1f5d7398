package ghpool

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucasjones/reggen"
)

func mustRequest(t *testing.T, url string, params Params, cb Callback) *Request {
	t.Helper()
	r, err := NewRequest(url, params, cb)
	if err != nil {
		t.Fatalf("NewRequest(%q): %v", url, err)
	}
	return r
}

func withFastPoll(t *testing.T) {
	t.Helper()
	prev := idleWait
	idleWait = 20 * time.Millisecond
	t.Cleanup(func() { idleWait = prev })
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestQueuePushIncreasesLength(t *testing.T) {
	q := NewQueue(nil)
	q.Push(mustRequest(t, "a", Params{}, nil), mustRequest(t, "b", Params{}, nil))
	if q.GetQueueLength() != 2 {
		t.Fatalf("expected length 2, got %d", q.GetQueueLength())
	}
}

func TestQueuePushIsLIFO(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) Callback {
		return func(Result) any {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	exec := alwaysSucceeds(100, time.Now().Add(time.Hour).Unix())
	c := NewClient("tok", exec)
	q := NewQueue([]*Client{c})
	withFastPoll(t)

	q.Push(mustRequest(t, "a", Params{}, record("a")), mustRequest(t, "b", Params{}, record("b")))
	q.Start()
	defer q.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "b" || order[1] != "a" {
		t.Fatalf("expected LIFO order [b a], got %v", order)
	}
}

func TestQueueUnshiftPreservesOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) Callback {
		return func(Result) any {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	exec := alwaysSucceeds(100, time.Now().Add(time.Hour).Unix())
	c := NewClient("tok", exec)
	q := NewQueue([]*Client{c})
	withFastPoll(t)

	q.Push(mustRequest(t, "x", Params{}, record("x")))
	q.Unshift(mustRequest(t, "a", Params{}, record("a")), mustRequest(t, "b", Params{}, record("b")))
	q.Start()
	defer q.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "a" || order[1] != "b" || order[2] != "x" {
		t.Fatalf("expected unshifted requests dispatched first in order [a b x], got %v", order)
	}
}

func TestQueueRetryIsDispatchedNext(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	// "flaky" fails on its first attempt only; every other URL succeeds.
	var flakyAttempts atomic.Int64
	exec := &fakeExecutor{fn: func(_ int64, req ExecRequest) (ExecResponse, error) {
		h := http.Header{}
		h.Set("X-Ratelimit-Remaining", "100")
		h.Set("X-Ratelimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		if strings.Contains(req.URL, "flaky") && flakyAttempts.Add(1) == 1 {
			record("flaky-fail")
			return ExecResponse{StatusCode: 500, Headers: h}, &RequestError{URL: req.URL, StatusCode: 500, Err: errPlainFailure}
		}
		record(req.URL)
		return ExecResponse{StatusCode: 200, Headers: h}, nil
	}}

	c := NewClient("tok", exec)
	q := NewQueue([]*Client{c}, WithMaxPerRequest(5))
	withFastPoll(t)

	q.Push(mustRequest(t, "steady", Params{}, nil))
	q.Push(mustRequest(t, "flaky", Params{}, nil))
	q.Start()
	defer q.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	// LIFO dispatches flaky first; its failure must be retried ahead of the
	// still-enqueued steady request.
	want := []string{"flaky-fail", "flaky", "steady"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("expected dispatch order %v, got %v", want, order)
		}
	}
}

func TestQueueEmptyClientPool(t *testing.T) {
	q := NewQueue(nil)
	q.Push(mustRequest(t, "https://api.example.com/search?q=stars:>=1000", Params{}, nil))
	withFastPoll(t)
	q.Start()
	defer q.Stop()

	time.Sleep(50 * time.Millisecond)
	if q.GetQueueLength() != 1 {
		t.Fatalf("expected queue length 1 with no clients, got %d", q.GetQueueLength())
	}
}

func TestQueueAllClientsBusy(t *testing.T) {
	block := make(chan struct{})
	exec := &fakeExecutor{fn: func(_ int64, req ExecRequest) (ExecResponse, error) {
		<-block
		return ExecResponse{StatusCode: 200, Headers: nil}, nil
	}}
	c := NewClient("tok", exec)
	q := NewQueue([]*Client{c})
	withFastPoll(t)

	// Occupy the only client with an in-flight request.
	q.Push(mustRequest(t, "a", Params{}, nil))
	q.Start()
	defer func() {
		close(block)
		q.Stop()
	}()

	time.Sleep(50 * time.Millisecond)
	q.Push(mustRequest(t, "b", Params{}, nil))
	time.Sleep(50 * time.Millisecond)

	if q.GetQueueLength() != 1 {
		t.Fatalf("expected the second request to remain queued while the only client is busy, got length %d", q.GetQueueLength())
	}
}

func TestQueueHappyPathDispatch(t *testing.T) {
	var invoked int
	var mu sync.Mutex

	exec := alwaysSucceeds(10, time.Now().Add(time.Hour).Unix())
	c := NewClient("tok", exec)
	q := NewQueue([]*Client{c})
	withFastPoll(t)

	q.Push(mustRequest(t, "https://api.example.com/search", Params{}, func(Result) any {
		mu.Lock()
		invoked++
		mu.Unlock()
		return nil
	}))
	q.Start()
	defer q.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return invoked == 1
	})

	if q.GetQueueLength() != 0 {
		t.Errorf("expected empty queue after dispatch, got %d", q.GetQueueLength())
	}
	if !c.IsAuthorized() || c.IsBusy() {
		t.Error("expected client to be authorized and idle after completion")
	}
}

func TestQueueRetryThenAccumulatesErrors(t *testing.T) {
	// The loop re-dispatches a re-queued request as soon as it is back in
	// the backlog, so the first attempt stops the queue: the state right
	// after one failure then stays observable.
	var q *Queue
	fails := alwaysFails(404)
	exec := &fakeExecutor{fn: func(n int64, req ExecRequest) (ExecResponse, error) {
		q.Stop()
		return fails.fn(n, req)
	}}
	c := NewClient("tok", exec)
	q = NewQueue([]*Client{c}, WithMaxPerRequest(5))
	withFastPoll(t)

	url := "https://api.example.com/search/404"
	q.Push(mustRequest(t, url, Params{}, nil))
	q.Start()
	defer q.Stop()

	waitFor(t, time.Second, func() bool { return q.errorCount.Load() >= 1 })
	q.Wait()
	time.Sleep(50 * time.Millisecond)

	if q.GetQueueLength() != 1 {
		t.Errorf("expected the failed request to be re-queued, got length %d", q.GetQueueLength())
	}
}

func TestQueueAbandonsAfterMaxPerRequest(t *testing.T) {
	exec := alwaysFails(500)
	c := NewClient("tok", exec)
	q := NewQueue([]*Client{c}, WithMaxPerRequest(2))
	withFastPoll(t)

	url := "https://api.example.com/search/always-fails"
	q.Push(mustRequest(t, url, Params{}, nil))
	q.Start()
	defer q.Stop()

	waitFor(t, time.Second, func() bool { return q.GetRequestFailCount() == 1 })

	if q.GetQueueLength() != 0 {
		t.Errorf("expected the request to be dropped once abandoned, got length %d", q.GetQueueLength())
	}
}

func TestQueueInvariantErrorCountEqualsSum(t *testing.T) {
	exec := alwaysFails(500)
	c := NewClient("tok", exec)
	q := NewQueue([]*Client{c}, WithMaxPerRequest(3))
	withFastPoll(t)

	q.Push(mustRequest(t, "https://api.example.com/a", Params{}, nil))
	q.Push(mustRequest(t, "https://api.example.com/b", Params{}, nil))
	q.Start()
	defer q.Stop()

	waitFor(t, time.Second, func() bool { return q.GetRequestFailCount() == 2 })

	q.mu.Lock()
	var sum int64
	for _, n := range q.errorsByUrl {
		sum += int64(n)
	}
	q.mu.Unlock()

	if sum != q.errorCount.Load() {
		t.Errorf("errorCount (%d) must equal sum of errorsByUrl (%d)", q.errorCount.Load(), sum)
	}
}

func TestQueueGlobalAbort(t *testing.T) {
	exec := alwaysFails(500)
	c := NewClient("tok", exec)
	q := NewQueue([]*Client{c}, WithMaxPerRequest(1), WithMaxTotal(1))
	withFastPoll(t)

	q.Push(mustRequest(t, "https://api.example.com/a", Params{}, nil))
	q.Start()

	waitFor(t, time.Second, func() bool { return !q.running.Load() })

	if q.stopped.Load() {
		t.Error("global-error abort must not set stopped=true, so a later Start can resume")
	}
}

func TestQueueStartIsIdempotent(t *testing.T) {
	q := NewQueue([]*Client{NewClient("tok", &fakeExecutor{fn: func(_ int64, _ ExecRequest) (ExecResponse, error) {
		return ExecResponse{StatusCode: 200}, nil
	}})})
	withFastPoll(t)

	if err := q.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := q.Start(); !errors.Is(err, ErrQueueRunning) {
		t.Fatalf("expected ErrQueueRunning on second Start, got %v", err)
	}
	defer q.Stop()

	time.Sleep(30 * time.Millisecond)
	if !q.running.Load() {
		t.Error("expected queue to still be running")
	}
}

func TestQueueLIFOOrderWithGeneratedURLs(t *testing.T) {
	// Property-style check: for any set of well-formed query URLs pushed
	// through a single client, dispatch order is the exact reverse of push
	// order.
	const n = 20

	var order []int
	var mu sync.Mutex

	exec := alwaysSucceeds(1000, time.Now().Add(time.Hour).Unix())
	c := NewClient("tok", exec)
	q := NewQueue([]*Client{c})
	withFastPoll(t)

	for i := 0; i < n; i++ {
		query, err := reggen.Generate(`[a-z]{3,8}\+stars%3A>%3D[1-9][0-9]{0,3}`, 10)
		if err != nil {
			t.Fatalf("generate query: %v", err)
		}
		idx := i
		url := fmt.Sprintf("https://api.example.com/search?q=%s&n=%d", query, i)
		q.Push(mustRequest(t, url, Params{}, func(Result) any {
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
			return nil
		}))
	}

	q.Start()
	defer q.Stop()

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, idx := range order {
		if want := n - 1 - i; idx != want {
			t.Fatalf("dispatch order not reverse of push order at position %d: got %d, want %d (full order %v)", i, idx, want, order)
		}
	}
}

func TestQueuePushStopWithoutStartRetainsBacklog(t *testing.T) {
	q := NewQueue(nil)
	q.Push(mustRequest(t, "a", Params{}, nil), mustRequest(t, "b", Params{}, nil))
	q.Stop()
	if q.GetQueueLength() != 2 {
		t.Errorf("expected backlog retained with no start, got length %d", q.GetQueueLength())
	}
}
