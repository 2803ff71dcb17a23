package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-relay/internal/config"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{MaxAttempts: 3, Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
	if p.Delay(0) != p.Delay(1) {
		t.Fatal("attempt 0 should clamp to first delay")
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	for attempt, want := range map[int]bool{0: false, 2: false, 3: true, 4: true} {
		if got := p.Exhausted(attempt); got != want {
			t.Fatalf("attempt %d: expected %v", attempt, want)
		}
	}
}

func TestDoRetriesMaxAttemptsTimes(t *testing.T) {
	p := Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return errors.New("unavailable")
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 4 {
		t.Fatalf("expected 1 call + 3 retries, got %d calls", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	p := Policy{MaxAttempts: 5, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}
	calls := 0
	cause := errors.New("bad request")
	err := p.Do(context.Background(), func() error {
		calls++
		return backoff.Permanent(cause)
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected permanent cause, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.Default().Pipeline)
	if p.MaxAttempts != 3 || p.Initial != 500*time.Millisecond || p.Max != 10*time.Second {
		t.Fatalf("unexpected policy %+v", p)
	}
	r := Reconnect(config.Default().Bus)
	if r.Max != time.Minute {
		t.Fatalf("expected reconnect cap of one minute, got %s", r.Max)
	}
}
