package syncer

import (
	"context"
	"errors"
	"sync"
	"time"
)

// phaseGuard is the running flag of one sync direction. Each acquire gets a
// generation so a stale run released after a watchdog expiry cannot clear
// the flag of a newer run.
type phaseGuard struct {
	mu      sync.Mutex
	running bool
	gen     uint64
}

func (g *phaseGuard) acquire() (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return 0, false
	}
	g.running = true
	g.gen++
	return g.gen, true
}

func (g *phaseGuard) release(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running && g.gen == gen {
		g.running = false
	}
}

func (g *phaseGuard) isRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// outcome is how a guarded phase ended.
type outcome int

const (
	finished outcome = iota
	busy
	expired
	cancelled
)

// runGuarded runs fn under g with the phase watchdog. When the watchdog
// fires the flag is cleared and fn's context cancelled; fn's eventual result
// is discarded.
func runGuarded[T any](ctx context.Context, g *phaseGuard, timeout time.Duration, fn func(ctx context.Context) T) (T, outcome) {
	var zero T
	gen, ok := g.acquire()
	if !ok {
		return zero, busy
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan T, 1)
	go func() {
		r := fn(pctx)
		g.release(gen)
		done <- r
	}()

	select {
	case r := <-done:
		cancel()
		return r, finished
	case <-pctx.Done():
		err := pctx.Err()
		cancel()
		g.release(gen)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, expired
		}
		return zero, cancelled
	}
}
