// Package perkey runs work so that tasks sharing a key execute one at a time
// in submission order, while tasks for different keys run concurrently.
//
// Stream workers use it to handle a batch in parallel without reordering the
// events of any single aggregate.
package perkey

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("perkey: group is closed")

// Group dispatches tasks per key. A key's queue exists only while it has
// queued or running work, so an unbounded key space (aggregate ids) does not
// accumulate goroutines.
type Group[K comparable] struct {
	mu     sync.Mutex
	queues map[K][]func()
	closed bool
	wg     sync.WaitGroup
	sem    chan struct{}
}

// New returns a Group that runs at most limit keys at once. limit <= 0
// means no bound.
func New[K comparable](limit int) *Group[K] {
	g := &Group[K]{queues: map[K][]func(){}}
	if limit > 0 {
		g.sem = make(chan struct{}, limit)
	}
	return g
}

// Go enqueues fn behind earlier tasks of key. Enqueueing never blocks; the
// call order of Go defines the execution order per key.
func (g *Group[K]) Go(key K, fn func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	g.wg.Add(1)
	q, busy := g.queues[key]
	g.queues[key] = append(q, fn)
	if !busy {
		go g.drain(key)
	}
	return nil
}

func (g *Group[K]) drain(key K) {
	if g.sem != nil {
		g.sem <- struct{}{}
		defer func() { <-g.sem }()
	}
	for {
		g.mu.Lock()
		q := g.queues[key]
		if len(q) == 0 {
			delete(g.queues, key)
			g.mu.Unlock()
			return
		}
		fn := q[0]
		g.queues[key] = q[1:]
		g.mu.Unlock()

		fn()
		g.wg.Done()
	}
}

// Wait blocks until every enqueued task has finished.
func (g *Group[K]) Wait() { g.wg.Wait() }

// Active reports how many keys currently have queued or running work.
func (g *Group[K]) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queues)
}

// Close rejects further tasks and waits for queued ones.
func (g *Group[K]) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}
