package utils

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsAllJobs(t *testing.T) {
	pool := NewWorkerPool(3)
	var ran atomic.Int32

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(context.Background(), func() { ran.Add(1) }))
	}
	pool.Shutdown()

	assert.Equal(t, int32(20), ran.Load())
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()
	pool.Shutdown()

	assert.ErrorIs(t, pool.Submit(context.Background(), func() {}), ErrPoolClosed)
}

func TestWorkerPool_SubmitHonoursContext(t *testing.T) {
	pool := NewWorkerPool(1)
	release := make(chan struct{})
	defer func() {
		close(release)
		pool.Shutdown()
	}()

	// one job running, one queued
	require.NoError(t, pool.Submit(context.Background(), func() { <-release }))
	require.NoError(t, pool.Submit(context.Background(), func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, func() {}), context.DeadlineExceeded)
}

func TestSliceToSet(t *testing.T) {
	set := SliceToSet([]int32{200, 202, 200})

	assert.Len(t, set, 2)
	assert.Contains(t, set, int32(202))
}
