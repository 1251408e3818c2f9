package bgtask_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memforge/core/internal/bgtask"
)

func TestPool_WaitCompletesBeforeTimeout(t *testing.T) {
	p := bgtask.NewPool(2)
	var ran atomic.Bool
	h := p.Go("fast", func(ctx context.Context) {
		ran.Store(true)
	})
	ok := h.Wait(context.Background(), time.Second)
	require.True(t, ok)
	assert.True(t, ran.Load())
}

func TestPool_WaitTimesOutAndOrphans(t *testing.T) {
	p := bgtask.NewPool(2)
	started := make(chan struct{})
	finished := make(chan struct{})
	h := p.Go("slow", func(ctx context.Context) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		close(finished)
	})
	<-started
	ok := h.Wait(context.Background(), time.Millisecond)
	assert.False(t, ok, "drain deadline should expire before the task finishes")

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("orphaned task never completed")
	}
}

func TestPool_ZeroTimeoutNeverWaits(t *testing.T) {
	p := bgtask.NewPool(1)
	h := p.Go("noop", func(ctx context.Context) {})
	ok := h.Wait(context.Background(), 0)
	assert.False(t, ok)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := bgtask.NewPool(1)
	var running atomic.Int32
	var maxSeen atomic.Int32
	release := make(chan struct{})

	// Go blocks the dispatcher once the pool is saturated, so each dispatch
	// needs its own goroutine or this test would deadlock on the second call.
	for i := 0; i < 3; i++ {
		go p.Go("task", func(ctx context.Context) {
			n := running.Add(1)
			for {
				old := maxSeen.Load()
				if n <= old || maxSeen.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		})
	}
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, maxSeen.Load(), int32(1))
	close(release)
}

func TestPool_RecoversPanic(t *testing.T) {
	p := bgtask.NewPool(1)
	h := p.Go("panics", func(ctx context.Context) {
		panic("boom")
	})
	ok := h.Wait(context.Background(), time.Second)
	assert.True(t, ok)
}

func TestPool_OrphanedTaskIgnoresParentCancellation(t *testing.T) {
	p := bgtask.NewPool(1)
	finished := make(chan struct{})
	parentCtx, cancel := context.WithCancel(context.Background())

	h := p.Go("ignores-parent", func(ctx context.Context) {
		// ctx here is a fresh background context, not parentCtx.
		time.Sleep(20 * time.Millisecond)
		close(finished)
	})
	cancel() // cancelling the dispatching request must not abort the task
	_ = h.Wait(parentCtx, time.Millisecond)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("background task was aborted by parent cancellation")
	}
}
