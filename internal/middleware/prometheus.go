package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器。
// 所有 Record/Update 方法允许 nil 接收者，未启用指标的组件可以直接传 nil。
type PrometheusMetrics struct {
	logger   *logrus.Logger
	gatherer prometheus.Gatherer

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Hook 指标
	hookInstallsTotal      *prometheus.CounterVec
	hookInterceptionsTotal *prometheus.CounterVec

	// 订阅指标
	multiplexerUpstreams *prometheus.GaugeVec
	multiplexerListeners *prometheus.GaugeVec

	// 变更传播指标
	propagationTotal    *prometheus.CounterVec
	propagationDuration prometheus.Histogram
	broadcastsTotal     *prometheus.CounterVec

	// 跨进程调用指标
	ipcCallsTotal *prometheus.CounterVec

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge

	// 重试指标
	retryAttemptsTotal *prometheus.CounterVec
	retrySuccessTotal  *prometheus.CounterVec
}

// NewPrometheusMetrics 创建指标收集器，注册到默认 registry
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(logger, namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewPrometheusMetricsWithRegistry 注册到指定 registry
func NewPrometheusMetricsWithRegistry(logger *logrus.Logger, namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *PrometheusMetrics {
	if namespace == "" {
		namespace = "notdeveloper"
	}
	factory := promauto.With(reg)

	pm := &PrometheusMetrics{
		logger:   logger,
		gatherer: gatherer,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),

		hookInstallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_installs_total",
				Help:      "Detection hook installations by outcome",
			},
			[]string{"method", "status"}, // status: installed/failed
		),
		hookInterceptionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_interceptions_total",
				Help:      "Intercepted reads by detection method and result",
			},
			[]string{"method", "result"}, // result: overridden/passthrough
		),

		multiplexerUpstreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "multiplexer_upstreams",
				Help:      "Active upstream live queries per multiplexer",
			},
			[]string{"name"},
		),
		multiplexerListeners: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "multiplexer_listeners",
				Help:      "Registered listeners per multiplexer",
			},
			[]string{"name"},
		),

		propagationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "propagation_total",
				Help:      "Change propagation requests by outcome",
			},
			[]string{"outcome"}, // acked/timeout/skipped/failed
		),
		propagationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "propagation_duration_seconds",
				Help:      "Time from change broadcast to callback",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),
		broadcastsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_total",
				Help:      "Broadcast intents by action and direction",
			},
			[]string{"action", "direction"}, // direction: sent/delivered
		),

		ipcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ipc_calls_total",
				Help:      "Cross-process service calls by operation and status",
			},
			[]string{"operation", "status"},
		),

		memoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		dbConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_open",
				Help:      "Number of open database connections",
			},
		),
		dbConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_in_use",
				Help:      "Number of database connections in use",
			},
		),

		retryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "attempt"},
		),
		retrySuccessTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_success_total",
				Help:      "Total number of successful retries",
			},
			[]string{"operation"},
		),
	}

	logger.Debug("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		if pm == nil {
			return
		}

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(pm.gatherer, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordHookInstall 记录 hook 安装结果
func (pm *PrometheusMetrics) RecordHookInstall(method string, ok bool) {
	if pm == nil {
		return
	}
	status := "installed"
	if !ok {
		status = "failed"
	}
	pm.hookInstallsTotal.WithLabelValues(method, status).Inc()
}

// RecordInterception 记录一次被拦截的读取
func (pm *PrometheusMetrics) RecordInterception(method string, overridden bool) {
	if pm == nil {
		return
	}
	result := "passthrough"
	if overridden {
		result = "overridden"
	}
	pm.hookInterceptionsTotal.WithLabelValues(method, result).Inc()
}

// UpdateMultiplexerStats 更新多路复用器统计
func (pm *PrometheusMetrics) UpdateMultiplexerStats(name string, upstreams, listeners int) {
	if pm == nil {
		return
	}
	pm.multiplexerUpstreams.WithLabelValues(name).Set(float64(upstreams))
	pm.multiplexerListeners.WithLabelValues(name).Set(float64(listeners))
}

// RecordPropagation 记录变更传播结果
func (pm *PrometheusMetrics) RecordPropagation(outcome string, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.propagationTotal.WithLabelValues(outcome).Inc()
	if outcome == "acked" {
		pm.propagationDuration.Observe(duration.Seconds())
	}
}

// RecordBroadcast 记录广播
func (pm *PrometheusMetrics) RecordBroadcast(action, direction string) {
	if pm == nil {
		return
	}
	pm.broadcastsTotal.WithLabelValues(action, direction).Inc()
}

// RecordIPCCall 记录跨进程调用
func (pm *PrometheusMetrics) RecordIPCCall(operation string, err error) {
	if pm == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	pm.ipcCallsTotal.WithLabelValues(operation, status).Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	if pm == nil {
		return
	}
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateDBStats 更新数据库连接统计
func (pm *PrometheusMetrics) UpdateDBStats(open, inUse int) {
	if pm == nil {
		return
	}
	pm.dbConnectionsOpen.Set(float64(open))
	pm.dbConnectionsInUse.Set(float64(inUse))
}

// RecordRetryAttempt 记录重试尝试
func (pm *PrometheusMetrics) RecordRetryAttempt(operation string, attempt int) {
	if pm == nil {
		return
	}
	pm.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// RecordRetrySuccess 记录重试成功
func (pm *PrometheusMetrics) RecordRetrySuccess(operation string) {
	if pm == nil {
		return
	}
	pm.retrySuccessTotal.WithLabelValues(operation).Inc()
}
