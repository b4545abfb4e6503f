package errors

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		code     string
		category ErrorCategory
	}{
		{"denied", Denied(42), CodeDenied, CategoryClient},
		{"queue full", QueueFull(100), CodeQueueFull, CategoryServer},
		{"dependency unavailable", DependencyUnavailable("fetch"), CodeDependencyUnavailable, CategoryExternal},
		{"transient io", TransientIO("connection reset"), CodeTransientIO, CategoryExternal},
		{"fetch exhausted", FetchExhausted(3), CodeFetchExhausted, CategoryExternal},
		{"delivery exhausted", DeliveryExhausted(3), CodeDeliveryExhausted, CategoryExternal},
		{"processing", ProcessingError("corrupt artifact"), CodeProcessingError, CategoryServer},
		{"not found", JobNotFound(), CodeNotFound, CategoryClient},
		{"not owner", NotOwner(), CodeNotOwner, CategoryClient},
	}

	for _, tt := range tests {
		if tt.err.Code != tt.code {
			t.Errorf("%s: expected code %s, got %s", tt.name, tt.code, tt.err.Code)
		}
		if tt.err.Category != tt.category {
			t.Errorf("%s: expected category %s, got %s", tt.name, tt.category, tt.err.Category)
		}
	}
}

func TestDenied_RetryAfter(t *testing.T) {
	err := Denied(17)
	if err.Details["retry_after_seconds"] != 17 {
		t.Errorf("expected retry_after_seconds=17, got %v", err.Details["retry_after_seconds"])
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
	}{
		{DependencyUnavailable("fetch"), true},
		{TransientIO("timeout"), true},
		{FetchExhausted(3), false},
		{DeliveryExhausted(3), false},
		{ProcessingError("bad input"), false},
		{Denied(10), false},
		{errors.New("plain error"), false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		err      error
		terminal bool
	}{
		{FetchExhausted(3), true},
		{DeliveryExhausted(3), true},
		{ProcessingError("bad input"), true},
		{TransientIO("timeout"), false},
		{DependencyUnavailable("fetch"), false},
		{errors.New("plain error"), false},
	}

	for _, tt := range tests {
		if got := IsTerminal(tt.err); got != tt.terminal {
			t.Errorf("IsTerminal(%v) = %v, want %v", tt.err, got, tt.terminal)
		}
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := InternalError("wrapped").WithCause(cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), &RetryConfig{MaxRetries: 5, InitialBackoff: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return ProcessingError("deterministic failure")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got %d", calls)
	}
}

func TestRetry_RetriesTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), &RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, BackoffFactor: 2.0}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return TransientIO("flaky")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryWithResult_ExhaustsRetries(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), &RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, BackoffFactor: 2.0}, func(ctx context.Context) (int, error) {
		calls++
		return 0, TransientIO("always failing")
	})

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, nil, func(ctx context.Context) error {
		return TransientIO("should not matter")
	})

	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
