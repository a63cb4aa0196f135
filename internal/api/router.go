package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/notdeveloper/notdeveloper-go/internal/api/handlers"
	"github.com/notdeveloper/notdeveloper-go/internal/config"
	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/notdeveloper/notdeveloper-go/internal/service"
	"github.com/sirupsen/logrus"
)

func SetupRouter(cfg *config.Config, logger *logrus.Logger, provider *service.Provider, memMonitor *middleware.MemoryMonitor, promMetrics *middleware.PrometheusMetrics) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(middleware.CallingPackage())

	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
	}

	providerHandler := handlers.NewProviderHandler(provider, cfg.App.Authority, logger)
	binderHandler := handlers.NewBinderHandler(provider, logger)
	listenHandler := handlers.NewListenHandler(logger)

	if memMonitor != nil {
		r.GET("/metrics", memMonitor.MetricsEndpoint())
	}
	if promMetrics != nil {
		r.GET("/metrics/prometheus", promMetrics.Handler())
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// content provider
	p := r.Group("/provider/:authority")
	{
		p.POST("/call", providerHandler.Call)
		p.GET("/query", providerHandler.Query)
		p.POST("/insert", providerHandler.Insert)
		p.PUT("/update", providerHandler.Update)
		p.DELETE("/delete", providerHandler.Delete)
	}

	// binder，句柄由 provider call 发放
	b := r.Group("/binder/:handle", binderHandler.Resolve())
	{
		b.POST("/database/:op", binderHandler.Database)
		b.GET("/database/listen/:stream", listenHandler.Listen)

		b.GET("/system/apps", binderHandler.Apps)
		b.GET("/system/users", binderHandler.Users)
		b.POST("/system/notifySettingChange", binderHandler.NotifySettingChange)
	}

	return r
}

// LoggerMiddleware 日志中间件；hook 进程调用频繁，只记 debug
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()

		entry := logger.WithFields(logrus.Fields{
			"status":  statusCode,
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"caller":  middleware.CallerOf(c),
			"latency": latency.Milliseconds(),
		})
		if statusCode >= 500 {
			entry.Warn("HTTP Request")
			return
		}
		entry.Debug("HTTP Request")
	}
}
