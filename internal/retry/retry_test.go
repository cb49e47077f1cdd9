package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNextDelay(t *testing.T) {
	policy := &Policy{InitialDelay: time.Second, Multiplier: 2.0, MaxDelay: 30 * time.Second}

	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 6: 30 * time.Second} {
		if got := policy.NextDelay(attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestForeverCapsDelay(t *testing.T) {
	policy := Forever(time.Second, 8*time.Second)

	if d := policy.NextDelay(10); d != 8*time.Second {
		t.Errorf("expected delay capped at 8s, got %v", d)
	}
	if d := policy.NextDelay(0); d != time.Second {
		t.Errorf("expected attempt 0 treated as first, got %v", d)
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
