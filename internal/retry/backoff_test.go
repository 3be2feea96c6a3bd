package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastBackoff(maxAttempts int) *Backoff {
	return &Backoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   1.5,
		MaxAttempts:  maxAttempts,
	}
}

func TestBackoff_SuccessAfterRetries(t *testing.T) {
	b := fastBackoff(10)
	calls := 0

	err := b.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 3 {
			return fmt.Errorf("serial busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestBackoff_PermanentStopsImmediately(t *testing.T) {
	b := DefaultBackoff()
	calls := 0
	sentinel := errors.New("no such device")

	err := b.Do(context.Background(), func(_ int) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error should stop after 1 call, got %d", calls)
	}
}

func TestBackoff_MaxAttempts(t *testing.T) {
	b := fastBackoff(3)
	calls := 0

	err := b.Do(context.Background(), func(_ int) error {
		calls++
		return fmt.Errorf("always fails")
	})
	if err == nil {
		t.Fatal("expected error after max attempts")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestBackoff_OnRetry(t *testing.T) {
	b := fastBackoff(4)
	var seen []int
	b.OnRetry = func(attempt int, _ error) { seen = append(seen, attempt) }

	b.Do(context.Background(), func(_ int) error { return fmt.Errorf("x") }) //nolint:errcheck

	// No hook after the final attempt.
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("OnRetry attempts = %v, want [1 2 3]", seen)
	}
}

func TestBackoff_ContextCancelled(t *testing.T) {
	b := &Backoff{InitialDelay: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := b.Do(ctx, func(_ int) error { return fmt.Errorf("fail") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := &Backoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{500, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if !IsPermanent(Permanent(fmt.Errorf("x"))) {
		t.Error("expected permanent")
	}
	if IsPermanent(fmt.Errorf("x")) {
		t.Error("plain error is not permanent")
	}
}

func TestAddJitter_Bounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		j := addJitter(d)
		if j < 75*time.Millisecond || j > 125*time.Millisecond {
			t.Fatalf("jitter %v out of ±25%% range", j)
		}
	}
}
