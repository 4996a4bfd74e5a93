// Package politeness enforces the crawl rate policy: a global concurrency cap
// plus a per-domain minimum delay between requests.
package politeness

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Gate serializes fetches per domain and bounds global concurrency. Acquire
// blocks until a global slot is free and the domain's next-allowed time has
// passed; Release frees the slot.
type Gate struct {
	baseDelay time.Duration
	slots     chan struct{}

	mu          sync.Mutex
	nextAllowed map[string]time.Time

	clock func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewGate builds a gate with the given global concurrency and per-domain base
// delay.
func NewGate(maxConcurrency int, baseDelay time.Duration) *Gate {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Gate{
		baseDelay:   baseDelay,
		slots:       make(chan struct{}, maxConcurrency),
		nextAllowed: make(map[string]time.Time),
		clock:       time.Now,
		sleep:       sleepCtx,
	}
}

// SetClock overrides the clock and sleep functions for tests.
func (g *Gate) SetClock(clock func() time.Time, sleep func(context.Context, time.Duration) error) {
	g.clock = clock
	g.sleep = sleep
}

// Acquire blocks until the caller may fetch from host. The multiplier scales
// the base delay (robots degradation raises it above 1.0). The domain's next
// allowed time is stamped when the slot is granted, so concurrent callers for
// the same host serialize at the scaled delay. Callers must Release after the
// fetch completes.
func (g *Gate) Acquire(ctx context.Context, host string, multiplier float64) error {
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	key := strings.ToLower(host)

	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		g.mu.Lock()
		now := g.clock()
		next, ok := g.nextAllowed[key]
		if !ok || !now.Before(next) {
			delay := time.Duration(float64(g.baseDelay) * multiplier)
			g.nextAllowed[key] = now.Add(delay)
			g.mu.Unlock()
			return nil
		}
		wait := next.Sub(now)
		g.mu.Unlock()

		if err := g.sleep(ctx, wait); err != nil {
			<-g.slots
			return err
		}
	}
}

// Release frees the global slot taken by Acquire.
func (g *Gate) Release() {
	select {
	case <-g.slots:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
