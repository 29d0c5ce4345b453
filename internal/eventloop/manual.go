package eventloop

import (
	"sync"
	"time"
)

// Manual is a Queue that only runs jobs when told to. Tests use it to decide
// the exact order in which competing events are applied.
type Manual struct {
	mu      sync.Mutex
	pending []func()
	posted  chan struct{}
	closed  bool
}

// NewManual creates an empty manual queue.
func NewManual() *Manual {
	return &Manual{posted: make(chan struct{}, 1)}
}

// Post implements Queue.
func (m *Manual) Post(job func()) bool {
	m.mu.Lock()
	if m.closed || job == nil {
		m.mu.Unlock()
		return false
	}
	m.pending = append(m.pending, job)
	m.mu.Unlock()
	select {
	case m.posted <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of queued jobs.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// RunNext runs the oldest job and reports whether there was one.
func (m *Manual) RunNext() bool {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return false
	}
	job := m.pending[0]
	m.pending = m.pending[1:]
	m.mu.Unlock()
	job()
	return true
}

// Drain runs jobs, including ones posted while draining, until none are left.
// It returns how many ran.
func (m *Manual) Drain() int {
	n := 0
	for m.RunNext() {
		n++
	}
	return n
}

// Await blocks until at least n jobs are queued or timeout elapses.
func (m *Manual) Await(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if m.Len() >= n {
			return true
		}
		select {
		case <-m.posted:
		case <-deadline.C:
			return m.Len() >= n
		}
	}
}

// Close rejects further posts.
func (m *Manual) Close() {
	m.mu.Lock()
	m.closed = true
	m.pending = nil
	m.mu.Unlock()
}
