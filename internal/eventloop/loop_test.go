package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsJobsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLoop(nil).Start(ctx)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("jobs did not run")
	}
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopJobsNeverOverlap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLoop(nil).Start(ctx)

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			l.Post(func() {
				defer wg.Done()
				n := atomic.AddInt32(&running, 1)
				if n > atomic.LoadInt32(&maxRunning) {
					atomic.StoreInt32(&maxRunning, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestLoopJobMayPostFollowUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLoop(nil).Start(ctx)

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("follow-up job did not run")
	}
}

func TestLoopStopRejectsPosts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLoop(nil).Start(ctx)
	l.Stop()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	assert.False(t, l.Post(func() {}))
}

func TestManualQueueOrderAndAwait(t *testing.T) {
	q := NewManual()
	var got []string
	q.Post(func() { got = append(got, "a") })
	go q.Post(func() { got = append(got, "b") })

	require.True(t, q.Await(2, time.Second))
	assert.Equal(t, 2, q.Drain())
	assert.Equal(t, []string{"a", "b"}, got)
	assert.False(t, q.RunNext())

	q.Close()
	assert.False(t, q.Post(func() {}))
}

func TestListenersUnsubscribeIsIdempotent(t *testing.T) {
	l := NewListeners[int]()
	var a, b []int
	unsubA := l.Add(func(v int) { a = append(a, v) })
	l.Add(func(v int) { b = append(b, v) })

	l.Notify(1)
	unsubA()
	unsubA()
	l.Notify(2)

	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{1, 2}, b)
	assert.Equal(t, 1, l.Len())
}
