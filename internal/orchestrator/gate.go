package orchestrator

import (
	"context"
	"sync"
)

// pauseGate delays story phase starts while the orchestrator is paused.
// The gate is consulted only before a phase begins; a phase already in
// flight is never interrupted.
type pauseGate struct {
	mu   sync.Mutex
	open chan struct{}
}

func newPauseGate() *pauseGate {
	g := &pauseGate{open: make(chan struct{})}
	close(g.open)
	return g
}

// pause closes the gate. Returns false when already paused.
func (g *pauseGate) pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.isOpen() {
		return false
	}
	g.open = make(chan struct{})
	return true
}

// resume reopens the gate, releasing everything parked in await.
// Returns false when not paused.
func (g *pauseGate) resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isOpen() {
		return false
	}
	close(g.open)
	return true
}

// isOpen reports the latch state. Callers hold g.mu.
func (g *pauseGate) isOpen() bool {
	select {
	case <-g.open:
		return true
	default:
		return false
	}
}

// await blocks until the gate is open or ctx is done. One observation is
// enough: a pause that lands after await returns applies to later phases.
func (g *pauseGate) await(ctx context.Context) error {
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
