package service

import (
	"context"
	"sync"

	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/sirupsen/logrus"
)

// Listener 订阅回调
type Listener[V any] func(V)

// UpstreamFunc 为一个 key 打开实时查询，ctx 取消后通道关闭
type UpstreamFunc[K comparable, V any] func(ctx context.Context, key K) <-chan V

// Multiplexer 每个 key 至多一个上游查询，值扇出给全部监听者。
// 最后一个监听者移除时关闭上游；回调 panic 的监听者会被移除。
type Multiplexer[K comparable, V any] struct {
	name     string
	upstream UpstreamFunc[K, V]
	metrics  *middleware.PrometheusMetrics
	logger   *logrus.Logger

	mu      sync.Mutex
	entries map[K]*muxEntry[V]
	nextID  int
}

type muxEntry[V any] struct {
	cancel    context.CancelFunc
	listeners map[int]*muxListener[V]
	last      V
	version   uint64

	// 串行化投递，保证每个监听者看到的值不乱序
	deliverMu sync.Mutex
}

type muxListener[V any] struct {
	fn   Listener[V]
	seen uint64 // 仅在 deliverMu 下访问
}

// NewMultiplexer 创建多路复用器，name 用于日志和指标
func NewMultiplexer[K comparable, V any](name string, upstream UpstreamFunc[K, V], metrics *middleware.PrometheusMetrics, logger *logrus.Logger) *Multiplexer[K, V] {
	return &Multiplexer[K, V]{
		name:     name,
		upstream: upstream,
		metrics:  metrics,
		logger:   logger,
		entries:  make(map[K]*muxEntry[V]),
	}
}

// Add 注册监听者，返回的函数用于移除（可重复调用）
func (m *Multiplexer[K, V]) Add(key K, fn Listener[V]) func() {
	l := &muxListener[V]{fn: fn}

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		// 在锁外打开上游
		m.mu.Unlock()
		ctx, cancel := context.WithCancel(context.Background())
		ch := m.upstream(ctx, key)

		m.mu.Lock()
		if existing, raced := m.entries[key]; raced {
			// 并发创建，先到者胜出
			cancel()
			e = existing
		} else {
			e = &muxEntry[V]{cancel: cancel, listeners: make(map[int]*muxListener[V])}
			m.entries[key] = e
			go m.pump(key, e, ch)
		}
	}

	id := m.nextID
	m.nextID++
	e.listeners[id] = l
	version, last := e.version, e.last
	m.reportLocked()
	m.mu.Unlock()

	// 后加入的监听者立即收到最近的值
	if version > 0 {
		e.deliverMu.Lock()
		if l.seen < version {
			l.seen = version
			if !m.call(l, last) {
				e.deliverMu.Unlock()
				m.remove(key, e, id)
				return func() {}
			}
		}
		e.deliverMu.Unlock()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.remove(key, e, id) })
	}
}

func (m *Multiplexer[K, V]) pump(key K, e *muxEntry[V], ch <-chan V) {
	for v := range ch {
		m.mu.Lock()
		if m.entries[key] != e {
			m.mu.Unlock()
			continue
		}
		e.last = v
		e.version++
		version := e.version
		targets := make(map[int]*muxListener[V], len(e.listeners))
		for id, l := range e.listeners {
			targets[id] = l
		}
		m.mu.Unlock()

		var failed []int
		e.deliverMu.Lock()
		for id, l := range targets {
			if l.seen >= version {
				continue
			}
			l.seen = version
			if !m.call(l, v) {
				failed = append(failed, id)
			}
		}
		e.deliverMu.Unlock()

		for _, id := range failed {
			m.remove(key, e, id)
		}
	}

	// 上游自行结束时丢弃该条目，下次订阅重新打开
	m.mu.Lock()
	if m.entries[key] == e {
		delete(m.entries, key)
		e.cancel()
		m.logger.WithFields(logrus.Fields{
			"multiplexer": m.name,
			"key":         key,
		}).Debug("Upstream closed")
	}
	m.reportLocked()
	m.mu.Unlock()
}

// call 执行回调，panic 返回 false
func (m *Multiplexer[K, V]) call(l *muxListener[V], v V) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("multiplexer", m.name).Errorf("Listener panicked, removing: %v", r)
			ok = false
		}
	}()
	l.fn(v)
	return true
}

func (m *Multiplexer[K, V]) remove(key K, e *muxEntry[V], id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := e.listeners[id]; !ok {
		return
	}
	delete(e.listeners, id)

	if len(e.listeners) == 0 && m.entries[key] == e {
		delete(m.entries, key)
		e.cancel()
	}
	m.reportLocked()
}

func (m *Multiplexer[K, V]) reportLocked() {
	listeners := 0
	for _, e := range m.entries {
		listeners += len(e.listeners)
	}
	m.metrics.UpdateMultiplexerStats(m.name, len(m.entries), listeners)
}

// Upstreams 当前打开的上游数量
func (m *Multiplexer[K, V]) Upstreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Listeners key 上的监听者数量
func (m *Multiplexer[K, V]) Listeners(key K) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return 0
	}
	return len(e.listeners)
}

// Close 关闭全部上游
func (m *Multiplexer[K, V]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.entries {
		e.cancel()
		e.listeners = make(map[int]*muxListener[V])
		delete(m.entries, key)
	}
	m.reportLocked()
}
