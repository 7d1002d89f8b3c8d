package dispatcher

import (
	"context"
	"sync"
	"time"
)

// pauseGate holds every worker of a dispatcher back until a deadline set by
// the most recent rate-limit response.
type pauseGate struct {
	mu    sync.Mutex
	until time.Time
}

func (g *pauseGate) extend(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.until) {
		g.until = until
	}
}

func (g *pauseGate) wait(ctx context.Context, sleep func(context.Context, time.Duration) error) error {
	g.mu.Lock()
	d := time.Until(g.until)
	g.mu.Unlock()
	if d <= 0 {
		return nil
	}
	return sleep(ctx, d)
}
