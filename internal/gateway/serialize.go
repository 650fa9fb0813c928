package gateway

import (
	"sync"
	"time"
)

// terminalQueue serializes transactional sessions per terminal: a
// physical terminal accepts one logical transaction at a time, so two
// POS requests against the same (ip, port) must never overlap. Probes
// and Ping bypass the queue.
//
// Entries are created on demand and garbage-collected once idle.
type terminalQueue struct {
	mu    sync.Mutex
	locks map[string]*terminalLock
}

type terminalLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

func newTerminalQueue() *terminalQueue {
	q := &terminalQueue{locks: make(map[string]*terminalLock)}
	go q.cleanup()
	return q
}

// acquire blocks until the terminal at addr is free and returns the
// release function.
func (q *terminalQueue) acquire(addr string) func() {
	q.mu.Lock()
	l, ok := q.locks[addr]
	if !ok {
		l = &terminalLock{}
		q.locks[addr] = l
	}
	l.lastUsed = time.Now()
	q.mu.Unlock()

	l.mu.Lock()
	return func() {
		q.mu.Lock()
		l.lastUsed = time.Now()
		q.mu.Unlock()
		l.mu.Unlock()
	}
}

// cleanup drops terminal entries untouched for ten minutes.
func (q *terminalQueue) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		q.mu.Lock()
		now := time.Now()
		for addr, l := range q.locks {
			if now.Sub(l.lastUsed) > 10*time.Minute && l.mu.TryLock() {
				l.mu.Unlock()
				delete(q.locks, addr)
			}
		}
		q.mu.Unlock()
	}
}
