// Package eventloop provides the single logical queue on which a controller
// applies every state transition, so that no two transitions ever run
// concurrently and races resolve by arrival order.
package eventloop

import (
	"context"
	"sync"

	"github.com/frostbyte73/core"
	"go.uber.org/zap"
)

// Queue accepts jobs that must run one at a time, in FIFO order.
type Queue interface {
	// Post enqueues job and reports whether it was accepted.
	Post(job func()) bool
}

// Loop is a goroutine-backed Queue with an unbounded backlog, so posting
// never blocks (a job may post follow-up jobs).
type Loop struct {
	log *zap.Logger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	stopped core.Fuse
	done    chan struct{}
}

// NewLoop creates a loop. Call Run to start processing.
func NewLoop(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		log:  log.Named("eventloop"),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start runs the loop in its own goroutine until ctx is done or Stop is called.
func (l *Loop) Start(ctx context.Context) *Loop {
	go l.Run(ctx)
	return l
}

// Run processes jobs until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		for {
			job, ok := l.next()
			if !ok {
				break
			}
			l.run(job)
		}
		select {
		case <-ctx.Done():
			l.stopped.Break()
			return
		case <-l.stopped.Watch():
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("job panicked", zap.Any("panic", r))
		}
	}()
	job()
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped.IsBroken() || len(l.pending) == 0 {
		return nil, false
	}
	job := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return job, true
}

// Post enqueues job. It returns false once the loop has stopped.
func (l *Loop) Post(job func()) bool {
	if job == nil {
		return false
	}
	l.mu.Lock()
	if l.stopped.IsBroken() {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, job)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop halts the loop; queued jobs that have not started are discarded.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped.Break()
	l.pending = nil
	l.mu.Unlock()
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
