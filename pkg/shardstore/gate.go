package shardstore

import "sync"

// gate tracks in-flight public operations so Close can wait for them.
// Only public entry points pass through it; internal calls made while an
// operation is in flight do not, so Close never cuts an operation in half.
type gate struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (g *gate) enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}

	g.wg.Add(1)

	return nil
}

func (g *gate) exit() {
	g.wg.Done()
}

// close rejects new operations and waits for in-flight ones. Reports false
// if the gate was already closed.
func (g *gate) close() bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()

		return false
	}

	g.closed = true
	g.mu.Unlock()

	g.wg.Wait()

	return true
}
