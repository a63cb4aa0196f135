package middleware

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`       // 当前分配的内存 (字节)
	Sys        uint64 `json:"sys"`         // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`      // GC 次数
	Goroutines int    `json:"goroutines"`  // Goroutine 数量
	AllocMB    uint64 `json:"alloc_mb"`
}

// MemoryMonitor 定期采样运行时内存，并同步到 Prometheus
type MemoryMonitor struct {
	logger   *logrus.Logger
	metrics  *PrometheusMetrics
	interval time.Duration

	mutex sync.RWMutex
	stats MemoryStats
}

// NewMemoryMonitor 创建内存监控器，metrics 可以为 nil
func NewMemoryMonitor(logger *logrus.Logger, metrics *PrometheusMetrics, interval time.Duration) *MemoryMonitor {
	return &MemoryMonitor{
		logger:   logger,
		metrics:  metrics,
		interval: interval,
	}
}

// Run 采样直到 ctx 取消
func (m *MemoryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *MemoryMonitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
	}

	m.mutex.Lock()
	m.stats = stats
	m.mutex.Unlock()

	m.metrics.UpdateMemoryStats(stats)

	m.logger.WithFields(logrus.Fields{
		"alloc_mb":   stats.AllocMB,
		"goroutines": stats.Goroutines,
	}).Debug("Memory stats")
}

// GetStats 获取当前统计信息
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

// MetricsEndpoint 内存统计端点
func (m *MemoryMonitor) MetricsEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"memory": m.GetStats(),
		})
	}
}
