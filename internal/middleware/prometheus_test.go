package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// setupTestMetrics 每个测试使用独立 registry
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	reg := prometheus.NewRegistry()
	return NewPrometheusMetricsWithRegistry(logger, "test", reg, reg)
}

// TestHTTPMiddleware 测试 HTTP 中间件
func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/test", "200")))
}

// TestRecordHookMetrics 测试 hook 指标
func TestRecordHookMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordHookInstall("adb_enabled", true)
	pm.RecordHookInstall("sys.usb.state", false)
	pm.RecordInterception("adb_enabled", true)
	pm.RecordInterception("adb_enabled", true)
	pm.RecordInterception("adb_enabled", false)

	assert.Equal(t, 2, testutil.CollectAndCount(pm.hookInstallsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(pm.hookInterceptionsTotal.WithLabelValues("adb_enabled", "overridden")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.hookInterceptionsTotal.WithLabelValues("adb_enabled", "passthrough")))
}

// TestRecordPropagation 只有成功回调的传播计入耗时
func TestRecordPropagation(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordPropagation("acked", 20*time.Millisecond)
	pm.RecordPropagation("timeout", 30*time.Second)
	pm.RecordPropagation("skipped", 0)

	assert.Equal(t, 3, testutil.CollectAndCount(pm.propagationTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.propagationTotal.WithLabelValues("timeout")))
}

// TestUpdateMultiplexerStats 测试订阅统计
func TestUpdateMultiplexerStats(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateMultiplexerStats("detection", 1, 3)
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.multiplexerUpstreams.WithLabelValues("detection")))
	assert.Equal(t, float64(3), testutil.ToFloat64(pm.multiplexerListeners.WithLabelValues("detection")))
}

// TestRecordIPCAndRetry 测试跨进程调用与重试指标
func TestRecordIPCAndRetry(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordIPCCall("discover", nil)
	pm.RecordIPCCall("discover", errors.New("refused"))
	pm.RecordRetryAttempt("discover", 1)
	pm.RecordRetrySuccess("discover")
	pm.RecordBroadcast("notdeveloper.action.Change", "sent")

	assert.Equal(t, 2, testutil.CollectAndCount(pm.ipcCallsTotal))
	assert.Greater(t, testutil.CollectAndCount(pm.retryAttemptsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(pm.retrySuccessTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(pm.broadcastsTotal), 0)
}

// TestNilMetrics 未启用指标时调用不 panic
func TestNilMetrics(t *testing.T) {
	var pm *PrometheusMetrics

	assert.NotPanics(t, func() {
		pm.RecordHookInstall("adb_enabled", true)
		pm.RecordInterception("adb_enabled", true)
		pm.UpdateMultiplexerStats("detection", 0, 0)
		pm.RecordPropagation("acked", time.Second)
		pm.RecordBroadcast("a", "sent")
		pm.RecordIPCCall("op", nil)
		pm.UpdateMemoryStats(MemoryStats{})
		pm.UpdateDBStats(1, 0)
		pm.RecordRetryAttempt("op", 1)
		pm.RecordRetrySuccess("op")
	})
}

// TestPrometheusHandler 测试 Prometheus HTTP Handler
func TestPrometheusHandler(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.RecordInterception("adb_enabled", true)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", pm.Handler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
	assert.Contains(t, w.Body.String(), "test_hook_interceptions_total")
}

// TestCallingPackage 测试调用方包名
func TestCallingPackage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CallingPackage())
	router.GET("/who", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"caller": CallerOf(c)})
	})

	req := httptest.NewRequest("GET", "/who", nil)
	req.Header.Set(CallingPackageHeader, "android")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.JSONEq(t, `{"caller":"android"}`, w.Body.String())

	req = httptest.NewRequest("GET", "/who", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.JSONEq(t, `{"caller":""}`, w.Body.String())
}

// BenchmarkRecordInterception 基准测试：拦截计数
func BenchmarkRecordInterception(b *testing.B) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMetricsWithRegistry(logger, "bench", reg, reg)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pm.RecordInterception("adb_enabled", true)
	}
}
