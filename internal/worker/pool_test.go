package worker

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(workers, queue int) *Pool {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewPool("test", workers, queue, logger)
}

func TestPool_SubmitAndWait(t *testing.T) {
	p := newTestPool(2, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	boom := errors.New("boom")
	err := p.SubmitAndWait(ctx, &Task{ID: "fail", Run: func(context.Context) error { return boom }})
	assert.ErrorIs(t, err, boom)

	err = p.SubmitAndWait(ctx, &Task{ID: "ok", Run: func(context.Context) error { return nil }})
	assert.NoError(t, err)
}

func TestPool_PanicBecomesError(t *testing.T) {
	p := newTestPool(1, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	err := p.SubmitAndWait(ctx, &Task{ID: "panic", Run: func(context.Context) error { panic("bad") }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// worker 仍然可用
	assert.NoError(t, p.SubmitAndWait(ctx, &Task{ID: "after", Run: func(context.Context) error { return nil }}))
}

func TestPool_QueueFullAndStopped(t *testing.T) {
	p := newTestPool(1, 1)

	// 未启动时队列只能容纳一个任务
	require.NoError(t, p.Submit(&Task{ID: "1", Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, p.Submit(&Task{ID: "2", Run: func(context.Context) error { return nil }}), ErrQueueFull)
	assert.Equal(t, 1, p.GetQueueSize())

	var ran int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	require.NoError(t, p.SubmitAndWait(ctx, &Task{ID: "3", Run: func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}}))

	p.Stop()
	p.Stop()
	assert.ErrorIs(t, p.Submit(&Task{ID: "4", Run: func(context.Context) error { return nil }}), ErrPoolStopped)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestPool_SubmitAndWaitHonoursContext(t *testing.T) {
	p := newTestPool(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer p.Stop()

	release := make(chan struct{})
	require.NoError(t, p.Submit(&Task{ID: "block", Run: func(context.Context) error {
		<-release
		return nil
	}}))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	err := p.SubmitAndWait(waitCtx, &Task{ID: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	cancel()
}
