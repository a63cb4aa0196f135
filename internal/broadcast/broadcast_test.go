package broadcast

import (
	"context"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/notdeveloper/notdeveloper-go/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestIntentFilter_Matches(t *testing.T) {
	f := IntentFilter{Action: "a.b.Change", Package: "android"}

	assert.True(t, f.Matches(Intent{Action: "a.b.Change", Package: "android"}))
	assert.True(t, f.Matches(Intent{Action: "a.b.Change"}))
	assert.False(t, f.Matches(Intent{Action: "a.b.Change", Package: "com.example.app"}))
	assert.False(t, f.Matches(Intent{Action: "a.b.Other", Package: "android"}))
}

func TestIntent_Extras(t *testing.T) {
	i := NewIntent("a.b.Change", "android").With("Id", "x").WithInt("Type", 2)

	id, ok := i.Extra("Id")
	assert.True(t, ok)
	assert.Equal(t, "x", id)

	n, ok := i.IntExtra("Type")
	assert.True(t, ok)
	assert.Equal(t, 2, n)

	_, ok = i.IntExtra("Id")
	assert.False(t, ok)
}

func TestRoutingKeys(t *testing.T) {
	assert.Equal(t, "android.notdeveloper.action.Change",
		RoutingKey(Intent{Action: "notdeveloper.action.Change", Package: "android"}))
	assert.Equal(t, "_all.notdeveloper.action.Change",
		RoutingKey(Intent{Action: "notdeveloper.action.Change"}))
	assert.Equal(t, []string{"android.x", "_all.x"}, BindingKeys(IntentFilter{Action: "x", Package: "android"}))
}

func TestMemoryBus_Delivery(t *testing.T) {
	bus := NewMemoryBus(2, nil, testLogger())
	defer bus.Close()

	var (
		mu       sync.Mutex
		received []string
	)
	done := make(chan struct{}, 4)
	record := func(name string) Receiver {
		return func(ctx context.Context, intent Intent) {
			mu.Lock()
			received = append(received, name+":"+intent.Extras["Id"])
			mu.Unlock()
			done <- struct{}{}
		}
	}

	_, err := bus.Register(IntentFilter{Action: "Change", Package: "android"}, record("system"))
	require.NoError(t, err)
	_, err = bus.Register(IntentFilter{Action: "Change", Package: "com.example.app"}, record("app"))
	require.NoError(t, err)
	assert.Equal(t, 2, bus.ReceiverCount())

	require.NoError(t, bus.Send(context.Background(), NewIntent("Change", "android").With("Id", "1")))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}

	mu.Lock()
	assert.Equal(t, []string{"system:1"}, received)
	mu.Unlock()
}

func TestMemoryBus_Unregister(t *testing.T) {
	bus := NewMemoryBus(1, nil, testLogger())
	defer bus.Close()

	called := make(chan struct{}, 1)
	reg, err := bus.Register(IntentFilter{Action: "Change", Package: "android"}, func(context.Context, Intent) {
		called <- struct{}{}
	})
	require.NoError(t, err)

	reg.Unregister()
	reg.Unregister()
	assert.Equal(t, 0, bus.ReceiverCount())

	require.NoError(t, bus.Send(context.Background(), NewIntent("Change", "android")))
	select {
	case <-called:
		t.Fatal("unregistered receiver was called")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus(1, nil, testLogger())
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.Error(t, bus.Send(context.Background(), NewIntent("Change", "android")))
	_, err := bus.Register(IntentFilter{Action: "Change"}, func(context.Context, Intent) {})
	assert.Error(t, err)
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New(&config.BroadcastConfig{Driver: "carrier-pigeon"}, nil, testLogger())
	assert.Error(t, err)

	bus, err := New(&config.BroadcastConfig{Driver: "memory", Workers: 1}, nil, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryBus{}, bus)
	bus.Close()
}

// fakeBroker 内存中的 topic exchange，可以模拟断线和重连
type fakeBroker struct {
	mu          sync.Mutex
	subs        map[int]*fakeSub
	next        int
	reconnected chan struct{}
	closed      bool
}

type fakeSub struct {
	keys []string
	ch   chan amqp.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		subs:        make(map[int]*fakeSub),
		reconnected: make(chan struct{}, 1),
	}
}

func (f *fakeBroker) Publish(_ context.Context, routingKey string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if slices.Contains(s.keys, routingKey) {
			s.ch <- amqp.Delivery{Body: body}
		}
	}
	return nil
}

func (f *fakeBroker) Subscribe(bindingKeys ...string) (<-chan amqp.Delivery, func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.next
	f.next++
	s := &fakeSub{keys: bindingKeys, ch: make(chan amqp.Delivery, 16)}
	f.subs[id] = s

	cancel := func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if cur, ok := f.subs[id]; ok && cur == s {
			delete(f.subs, id)
			close(s.ch)
		}
		return nil
	}
	return s.ch, cancel, nil
}

func (f *fakeBroker) Reconnected() <-chan struct{} {
	return f.reconnected
}

func (f *fakeBroker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// drop 断线：服务端删除所有独占队列，消费通道关闭
func (f *fakeBroker) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.subs {
		close(s.ch)
		delete(f.subs, id)
	}
}

func (f *fakeBroker) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func receiveIntent(t *testing.T, ch <-chan Intent) Intent {
	t.Helper()
	select {
	case i := <-ch:
		return i
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
	return Intent{}
}

func TestAMQPBus_ResubscribesAfterReconnect(t *testing.T) {
	broker := newFakeBroker()
	bus := NewAMQPBus(broker, nil, testLogger())
	defer bus.Close()

	received := make(chan Intent, 4)
	reg, err := bus.Register(IntentFilter{Action: "Change", Package: "android"}, func(_ context.Context, i Intent) {
		received <- i
	})
	require.NoError(t, err)

	// 已注销的接收者重连后不恢复
	gone, err := bus.Register(IntentFilter{Action: "Callback", Package: "com.example.app"}, func(context.Context, Intent) {})
	require.NoError(t, err)
	gone.Unregister()
	assert.Equal(t, 1, broker.subscriptions())

	ctx := context.Background()
	require.NoError(t, bus.Send(ctx, NewIntent("Change", "android").With("Id", "1")))
	id, _ := receiveIntent(t, received).Extra("Id")
	assert.Equal(t, "1", id)

	broker.drop()
	assert.Equal(t, 0, broker.subscriptions())

	broker.reconnected <- struct{}{}
	assert.Eventually(t, func() bool {
		return broker.subscriptions() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Send(ctx, NewIntent("Change", "android").With("Id", "2")))
	id, _ = receiveIntent(t, received).Extra("Id")
	assert.Equal(t, "2", id)
	assert.Equal(t, 1, bus.ReceiverCount())

	reg.Unregister()
	assert.Equal(t, 0, broker.subscriptions())
	assert.Equal(t, 0, bus.ReceiverCount())
}

func TestAMQPBus_Close(t *testing.T) {
	broker := newFakeBroker()
	bus := NewAMQPBus(broker, nil, testLogger())

	_, err := bus.Register(IntentFilter{Action: "Change", Package: "android"}, func(context.Context, Intent) {})
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.Equal(t, 0, broker.subscriptions())
	assert.True(t, broker.closed)

	_, err = bus.Register(IntentFilter{Action: "Change"}, func(context.Context, Intent) {})
	assert.ErrorIs(t, err, ErrBusClosed)
}
