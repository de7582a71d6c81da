package faceapi

import (
	"context"
	"sync"
	"time"
)

// rateGate enforces a minimum interval between consecutive outbound
// requests. It is a throttle, not a token bucket: concurrent callers are
// serialized to one request per interval in arrival order of the
// reservation, each sleeping out its own slot.
type rateGate struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func newRateGate(interval time.Duration) *rateGate {
	return &rateGate{interval: interval}
}

// wait blocks until the caller's reserved slot arrives or the context is
// canceled. The slot is reserved before sleeping so concurrent callers
// cannot collapse onto the same instant.
func (g *rateGate) wait(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	slot := g.next
	if slot.Before(now) {
		slot = now
	}
	g.next = slot.Add(g.interval)
	g.mu.Unlock()

	delay := time.Until(slot)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
