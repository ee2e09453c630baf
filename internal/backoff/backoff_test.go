package backoff

import (
	"testing"
	"time"
)

func TestJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := Jitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := Jitter(base, max, 3)
	if b3 < 2*base || b3 > 4*base {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := Jitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff not capped: %s", b10)
	}

	if got := Jitter(base, max, 0); got != base {
		t.Fatalf("attempt 0 should return base, got %s", got)
	}
	if got := Jitter(1, 1, 1); got != 1 {
		t.Fatalf("tiny waits skip jitter, got %s", got)
	}
}
