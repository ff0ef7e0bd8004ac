package ratelimit

import (
	"testing"
	"time"
)

func Test_check_allows_up_to_limit_then_denies(t *testing.T) {
	l := New()
	for i := 0; i < 3; i++ {
		r := l.Check("client:1.2.3.4", 3)
		if !r.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	r := l.Check("client:1.2.3.4", 3)
	if r.Allowed {
		t.Fatal("4th request should be denied")
	}
	if r.RetryAfter <= 0 {
		t.Errorf("expected positive retry_after, got %v", r.RetryAfter)
	}
}

func Test_remaining_is_monotonic_within_window(t *testing.T) {
	l := New()
	prev := 1000
	for i := 0; i < 5; i++ {
		r := l.Check("client:x", 10)
		if r.Remaining > prev {
			t.Fatalf("remaining increased within window: %d -> %d", prev, r.Remaining)
		}
		prev = r.Remaining
	}
}

func Test_keys_are_independent(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		l.Check("tunnel:a", 5)
	}
	r := l.Check("tunnel:b", 5)
	if !r.Allowed {
		t.Fatal("a different key should have its own quota")
	}
}

func Test_window_recovers_after_expiry(t *testing.T) {
	fixedNow := time.Now()
	l := New()
	l.now = func() time.Time { return fixedNow }

	for i := 0; i < 2; i++ {
		if r := l.Check("global", 2); !r.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if r := l.Check("global", 2); r.Allowed {
		t.Fatal("3rd request should be denied before window elapses")
	}

	l.now = func() time.Time { return fixedNow.Add(Window + time.Second) }
	if r := l.Check("global", 2); !r.Allowed {
		t.Fatal("request should be allowed again once window has elapsed")
	}
}
