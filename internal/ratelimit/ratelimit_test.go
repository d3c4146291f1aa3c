package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCounter(t *testing.T) (*MemoryCounter, *fakeClock) {
	t.Helper()
	c, stop := NewMemoryCounter()
	t.Cleanup(stop)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	return c, clock
}

func Test_Limiter_FixedWindow(t *testing.T) {
	t.Parallel()
	counter, clock := newTestCounter(t)
	l := New("upload", Rule{Limit: 2, Window: time.Minute}, counter)
	ctx := context.Background()

	for i, wantRemaining := range []int{1, 0} {
		d, err := l.Allow(ctx, "acct")
		if err != nil || !d.Allowed || d.Remaining != wantRemaining {
			t.Fatalf("request %d = %+v, %v", i+1, d, err)
		}
	}

	clock.Advance(20 * time.Second)
	d, err := l.Allow(ctx, "acct")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("third request in the window was allowed")
	}
	if d.RetryAfter != 40*time.Second {
		t.Errorf("RetryAfter = %s, want 40s", d.RetryAfter)
	}

	clock.Advance(40 * time.Second)
	d, _ = l.Allow(ctx, "acct")
	if !d.Allowed || d.Remaining != 1 {
		t.Errorf("request after the window = %+v, want allowed", d)
	}
}

func Test_Limiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()
	counter, _ := newTestCounter(t)
	chat := New("chat", Rule{Limit: 1, Window: time.Minute}, counter)
	upload := New("upload", Rule{Limit: 1, Window: time.Minute}, counter)
	ctx := context.Background()

	for _, step := range []struct {
		l        *Limiter
		identity string
		want     bool
	}{
		{chat, "a", true},
		{chat, "a", false},
		{chat, "b", true},
		{upload, "a", true},
		{upload, "a", false},
	} {
		d, err := step.l.Allow(ctx, step.identity)
		if err != nil || d.Allowed != step.want {
			t.Errorf("%s/%s allowed = %v (%v), want %v", step.l.Route(), step.identity, d.Allowed, err, step.want)
		}
	}
}

func Test_MemoryCounter_Sweep(t *testing.T) {
	t.Parallel()
	counter, clock := newTestCounter(t)
	ctx := context.Background()

	_, _, _ = counter.Incr(ctx, "short", time.Second)
	_, _, _ = counter.Incr(ctx, "long", time.Hour)
	clock.Advance(time.Minute)
	counter.sweep()

	if got := counter.Len(); got != 1 {
		t.Errorf("Len after sweep = %d, want 1", got)
	}
}

type brokenCounter struct{}

func (brokenCounter) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func Test_Limiter_CounterError(t *testing.T) {
	t.Parallel()
	l := New("chat", Rule{Limit: 1, Window: time.Minute}, brokenCounter{})
	d, err := l.Allow(context.Background(), "acct")
	if err == nil {
		t.Fatal("expected counter error")
	}
	if !d.Allowed {
		t.Errorf("decision on error should admit the request")
	}
}

func Test_Rule_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"valid", Rule{Limit: 20, Window: time.Minute}, false},
		{"zero limit", Rule{Limit: 0, Window: time.Minute}, true},
		{"zero window", Rule{Limit: 1}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.rule.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
