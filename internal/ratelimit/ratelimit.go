// Package ratelimit implements fixed-window request counting keyed by
// caller and route. A Limiter never blocks or queues: a request over the
// limit is rejected with the time until its window resets.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Counter counts hits per key in fixed windows. Implementations must be
// safe to call from multiple goroutines.
type Counter interface {
	// Incr records one hit for key and returns the number of hits in the
	// key's current window, including this one, and the time until that
	// window resets. The window starts at the key's first hit.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

// Rule is a request budget: at most Limit requests per Window.
type Rule struct {
	// Limit is the maximum number of requests per window.
	Limit int
	// Window is the window length.
	Window time.Duration
}

// Validate reports a rule that can never admit a request.
func (r Rule) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("ratelimit: limit must be positive, got %d", r.Limit)
	}
	if r.Window <= 0 {
		return fmt.Errorf("ratelimit: window must be positive, got %s", r.Window)
	}
	return nil
}

// Decision is the outcome of one Allow call.
type Decision struct {
	// Allowed is false when the request exceeded the limit.
	Allowed bool
	// Remaining is how many more requests the window admits.
	Remaining int
	// RetryAfter is the time until the window resets.
	RetryAfter time.Duration
}

// Limiter applies one Rule to a route.
type Limiter struct {
	// route namespaces the counter keys.
	route string
	// rule is the per-key budget.
	rule Rule
	// counter stores the hits.
	counter Counter
}

// New returns a Limiter for route. It panics on an invalid rule or a nil
// counter, which are programming errors caught at wiring time.
func New(route string, rule Rule, counter Counter) *Limiter {
	if err := rule.Validate(); err != nil {
		panic(err)
	}
	if counter == nil {
		panic(errors.New("ratelimit: counter must not be nil"))
	}
	return &Limiter{route: route, rule: rule, counter: counter}
}

// Route returns the route label of the limiter.
func (l *Limiter) Route() string { return l.route }

// Rule returns the limiter's budget.
func (l *Limiter) Rule() Rule { return l.rule }

// Allow counts a request from identity and decides whether it may proceed.
// A counter error is returned as is; the caller chooses whether to fail
// open.
func (l *Limiter) Allow(ctx context.Context, identity string) (Decision, error) {
	count, resetIn, err := l.counter.Incr(ctx, l.route+":"+identity, l.rule.Window)
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("ratelimit: count %s: %w", l.route, err)
	}
	if resetIn <= 0 {
		resetIn = l.rule.Window
	}
	d := Decision{
		Allowed:    count <= int64(l.rule.Limit),
		RetryAfter: resetIn,
	}
	if d.Allowed {
		d.Remaining = l.rule.Limit - int(count)
	}
	return d, nil
}
