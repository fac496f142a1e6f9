package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableStatusCodes(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{404, false},
		{401, false},
	}

	for _, c := range cases {
		err := &StatusError{StatusCode: c.code, Message: "remote error"}
		if got := IsRetryable(err); got != c.want {
			t.Errorf("status %d: retryable=%v, want %v", c.code, got, c.want)
		}
	}
}

func TestIsRetryableNetworkCodes(t *testing.T) {
	for _, code := range []string{"ECONNRESET", "ETIMEDOUT", "ENOTFOUND", "EAI_AGAIN"} {
		if !IsRetryable(errors.New("dial tcp: " + code)) {
			t.Errorf("expected %s to be retryable", code)
		}
	}

	if IsRetryable(errors.New("invalid request payload")) {
		t.Error("expected plain error to be non-retryable")
	}
}

func TestPermanentNeverRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxRetries: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		return Permanent(errors.New("ECONNRESET")) // retryable text, permanent wrapper wins
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxRetries: 2, BaseDelay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: 500, Message: "server error"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxRetries: 2, BaseDelay: time.Millisecond}, func() error {
		calls++
		return &StatusError{StatusCode: 429, Message: "rate limited"}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxRetries: 5, BaseDelay: time.Millisecond}, func() error {
		calls++
		return &StatusError{StatusCode: 400, Message: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoWithValue(t *testing.T) {
	v, err := DoWithValue(context.Background(), DefaultConfig(), func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
}
