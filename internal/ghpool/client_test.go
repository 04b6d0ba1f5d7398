package ghpool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClientHappyPath(t *testing.T) {
	exec := alwaysSucceeds(10, time.Now().Add(time.Hour).Unix())
	c := NewClient("tok", exec, WithResumeBuffer(10*time.Millisecond))

	result, err := c.Request(context.Background(), "https://api.example.com/search", Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", result.StatusCode)
	}
	if !c.IsAuthorized() {
		t.Error("expected client to remain authorized")
	}
	if c.IsBusy() {
		t.Error("expected client to not be busy after completion")
	}
}

func TestClientRateLimitExhaustionOnSuccess(t *testing.T) {
	resetAt := time.Now().Add(time.Hour).Unix()
	exec := alwaysSucceeds(0, resetAt)
	c := NewClient("tok", exec, WithResumeBuffer(time.Millisecond))

	_, err := c.Request(context.Background(), "https://api.example.com/search", Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.IsAuthorized() {
		t.Error("expected client to be paused after remaining hit 0")
	}
	if c.IsBusy() {
		t.Error("expected client to not be busy after completion")
	}
}

func TestClientSafetyMarginBoundary(t *testing.T) {
	// remaining - safetyMargin == 0 must pause (boundary inclusive).
	resetAt := time.Now().Add(time.Hour).Unix()
	exec := alwaysSucceeds(5, resetAt)
	c := NewClient("tok", exec, WithSafetyMargin(5), WithResumeBuffer(time.Millisecond))

	c.Request(context.Background(), "https://api.example.com/search", Params{})
	if c.IsAuthorized() {
		t.Error("expected pause when remaining - safetyMargin == 0")
	}
}

func TestClient429WithRetryAfter(t *testing.T) {
	exec := failsWithRetryAfter(120)
	c := NewClient("tok", exec, WithResumeBuffer(time.Millisecond))

	before := time.Now()
	_, err := c.Request(context.Background(), "https://api.example.com/search", Params{})
	if err == nil {
		t.Fatal("expected the original failure to be re-surfaced")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *RequestError, got %T", err)
	}
	if reqErr.StatusCode != 429 {
		t.Fatalf("expected status 429, got %d", reqErr.StatusCode)
	}
	if c.IsAuthorized() {
		t.Error("expected client to be paused")
	}

	c.mu.Lock()
	timer := c.resumeTimer
	c.mu.Unlock()
	if timer == nil {
		t.Fatal("expected a pending resume timer")
	}
	if elapsed := time.Since(before); elapsed > time.Second {
		t.Fatalf("pause scheduling took too long: %v", elapsed)
	}
}

func TestClientResumeInPast(t *testing.T) {
	c := NewClient("tok", &fakeExecutor{}, WithResumeBuffer(time.Millisecond))
	c.Pause(time.Now().Add(-5 * time.Second).UnixMilli())
	if !c.IsAuthorized() {
		t.Error("expected immediate resume for a reset time already in the past")
	}
}

func TestClientPauseCancelsPriorTimer(t *testing.T) {
	c := NewClient("tok", &fakeExecutor{}, WithResumeBuffer(2*time.Second))
	c.Pause(time.Now().Add(time.Hour).UnixMilli())

	c.mu.Lock()
	first := c.resumeTimer
	c.mu.Unlock()

	c.Pause(time.Now().Add(2 * time.Hour).UnixMilli())

	c.mu.Lock()
	second := c.resumeTimer
	c.mu.Unlock()

	if first == second {
		t.Error("expected re-pause to replace the prior timer")
	}
}

func TestClientMissingHeadersWarnOnly(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ int64, _ ExecRequest) (ExecResponse, error) {
		return ExecResponse{StatusCode: 200, Headers: nil, Body: []byte(`{}`)}, nil
	}}
	c := NewClient("tok", exec)

	_, err := c.Request(context.Background(), "https://api.example.com/search", Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.IsAuthorized() {
		t.Error("missing headers must not auto-pause the client")
	}
}

func TestClientTryAcquireIsExclusive(t *testing.T) {
	c := NewClient("tok", &fakeExecutor{})

	if !c.TryAcquire() {
		t.Fatal("expected first TryAcquire to succeed on an idle client")
	}
	if c.TryAcquire() {
		t.Fatal("expected second TryAcquire to fail while already claimed")
	}
	if !c.IsBusy() {
		t.Error("expected client to be marked busy after a successful TryAcquire")
	}

	c.Release()
	if c.IsBusy() {
		t.Error("expected Release to clear busy")
	}
	if !c.TryAcquire() {
		t.Fatal("expected TryAcquire to succeed again after Release")
	}
}

func TestClientTryAcquireRejectsUnauthorized(t *testing.T) {
	c := NewClient("tok", &fakeExecutor{}, WithResumeBuffer(time.Millisecond))
	c.Pause(time.Now().Add(time.Hour).UnixMilli())

	if c.TryAcquire() {
		t.Error("expected TryAcquire to fail while the client is paused")
	}
}

func TestClientMaskedToken(t *testing.T) {
	c := NewClient("ghp_abcdef123456", &fakeExecutor{})
	if got := c.GetToken(); got != "23456" {
		t.Errorf("expected last 5 chars '23456', got %q", got)
	}
}
