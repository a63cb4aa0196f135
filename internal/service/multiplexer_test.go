package service

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeUpstream 可手动推送值的上游，记录打开与关闭次数
type fakeUpstream struct {
	mu      sync.Mutex
	opened  int32
	closed  int32
	initial int
	chans   []chan int
}

func (f *fakeUpstream) open(ctx context.Context, _ string) <-chan int {
	atomic.AddInt32(&f.opened, 1)
	ch := make(chan int, 16)
	ch <- f.initial

	f.mu.Lock()
	f.chans = append(f.chans, ch)
	f.mu.Unlock()

	out := make(chan int)
	go func() {
		defer close(out)
		defer atomic.AddInt32(&f.closed, 1)
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-ch:
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (f *fakeUpstream) push(v int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.chans {
		ch <- v
	}
}

type collector struct {
	mu     sync.Mutex
	values []int
}

func (c *collector) listen(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, v)
}

func (c *collector) last() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.values) == 0 {
		return 0, false
	}
	return c.values[len(c.values)-1], true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func lastIs(c *collector, want int) func() bool {
	return func() bool {
		v, ok := c.last()
		return ok && v == want
	}
}

func TestMultiplexer_SharedUpstream(t *testing.T) {
	up := &fakeUpstream{initial: 1}
	mux := NewMultiplexer[string, int]("test", up.open, nil, testLogger())
	defer mux.Close()

	listeners := make([]*collector, 5)
	removes := make([]func(), 5)
	for i := range listeners {
		listeners[i] = &collector{}
		removes[i] = mux.Add("adb_enabled", listeners[i].listen)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&up.opened))
	assert.Equal(t, 1, mux.Upstreams())
	assert.Equal(t, 5, mux.Listeners("adb_enabled"))

	for _, c := range listeners {
		waitFor(t, lastIs(c, 1))
	}

	up.push(2)
	for _, c := range listeners {
		waitFor(t, lastIs(c, 2))
	}

	// 移除 N-1 个后上游仍在
	for _, remove := range removes[:4] {
		remove()
	}
	assert.Equal(t, 1, mux.Upstreams())
	assert.Equal(t, int32(0), atomic.LoadInt32(&up.closed))

	up.push(3)
	waitFor(t, lastIs(listeners[4], 3))
	v, _ := listeners[0].last()
	assert.Equal(t, 2, v)

	// 最后一个移除时关闭上游
	removes[4]()
	removes[4]()
	assert.Equal(t, 0, mux.Upstreams())
	waitFor(t, func() bool { return atomic.LoadInt32(&up.closed) == 1 })
}

func TestMultiplexer_LateJoinerGetsLastValue(t *testing.T) {
	up := &fakeUpstream{initial: 7}
	mux := NewMultiplexer[string, int]("test", up.open, nil, testLogger())
	defer mux.Close()

	first := &collector{}
	defer mux.Add("k", first.listen)()
	waitFor(t, lastIs(first, 7))

	late := &collector{}
	defer mux.Add("k", late.listen)()
	waitFor(t, lastIs(late, 7))

	assert.Equal(t, int32(1), atomic.LoadInt32(&up.opened))
}

func TestMultiplexer_IndependentKeys(t *testing.T) {
	up := &fakeUpstream{initial: 0}
	mux := NewMultiplexer[string, int]("test", up.open, nil, testLogger())
	defer mux.Close()

	removeA := mux.Add("a", func(int) {})
	removeB := mux.Add("b", func(int) {})
	assert.Equal(t, 2, mux.Upstreams())

	removeA()
	assert.Equal(t, 1, mux.Upstreams())
	assert.Equal(t, 0, mux.Listeners("a"))
	assert.Equal(t, 1, mux.Listeners("b"))
	removeB()
}

func TestMultiplexer_PanickingListenerDropped(t *testing.T) {
	up := &fakeUpstream{initial: 1}
	mux := NewMultiplexer[string, int]("test", up.open, nil, testLogger())
	defer mux.Close()

	healthy := &collector{}
	defer mux.Add("k", healthy.listen)()
	waitFor(t, lastIs(healthy, 1))

	mux.Add("k", func(v int) {
		if v >= 2 {
			panic("listener failure")
		}
	})
	assert.Equal(t, 2, mux.Listeners("k"))

	up.push(2)
	waitFor(t, lastIs(healthy, 2))
	waitFor(t, func() bool { return mux.Listeners("k") == 1 })

	up.push(3)
	waitFor(t, lastIs(healthy, 3))
	assert.Equal(t, 1, mux.Upstreams())
}

func TestMultiplexer_ReopenAfterTeardown(t *testing.T) {
	up := &fakeUpstream{initial: 4}
	mux := NewMultiplexer[string, int]("test", up.open, nil, testLogger())
	defer mux.Close()

	c := &collector{}
	mux.Add("k", c.listen)()
	assert.Equal(t, 0, mux.Upstreams())

	again := &collector{}
	defer mux.Add("k", again.listen)()
	waitFor(t, lastIs(again, 4))
	assert.Equal(t, int32(2), atomic.LoadInt32(&up.opened))
}

func TestMultiplexer_ConcurrentAdd(t *testing.T) {
	up := &fakeUpstream{initial: 1}
	mux := NewMultiplexer[string, int]("test", up.open, nil, testLogger())
	defer mux.Close()

	var wg sync.WaitGroup
	removes := make(chan func(), 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			removes <- mux.Add("k", func(int) {})
		}()
	}
	wg.Wait()
	close(removes)

	assert.Equal(t, 1, mux.Upstreams())
	assert.Equal(t, 20, mux.Listeners("k"))

	for remove := range removes {
		remove()
	}
	assert.Equal(t, 0, mux.Upstreams())
	// 竞争失败者打开的上游也要关闭
	waitFor(t, func() bool {
		return atomic.LoadInt32(&up.closed) == atomic.LoadInt32(&up.opened)
	})
}
