package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepInterval is how often expired windows are dropped.
const sweepInterval = time.Minute

// window is one key's current counting window.
type window struct {
	// count is the number of hits since start.
	count int64
	// resetAt is when the window closes.
	resetAt time.Time
}

// MemoryCounter is an in-process Counter. Each process has its own view,
// so limits are per replica.
type MemoryCounter struct {
	// mu protects windows.
	mu sync.Mutex
	// windows maps key to its open window.
	windows map[string]*window
	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewMemoryCounter returns a MemoryCounter and starts the sweep goroutine.
// The goroutine exits when the returned stop function is called.
func NewMemoryCounter() (*MemoryCounter, func()) {
	c := &MemoryCounter{windows: make(map[string]*window), now: time.Now}

	stopCh := make(chan struct{})
	go c.sweepLoop(stopCh)

	var once sync.Once
	return c, func() { once.Do(func() { close(stopCh) }) }
}

// Incr implements Counter.
func (c *MemoryCounter) Incr(_ context.Context, key string, length time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(length)}
		c.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}

// Len returns the number of open windows.
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

func (c *MemoryCounter) sweepLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep drops windows that have closed.
func (c *MemoryCounter) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, w := range c.windows {
		if !now.Before(w.resetAt) {
			delete(c.windows, key)
		}
	}
}
