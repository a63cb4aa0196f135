package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/notdeveloper/notdeveloper-go/internal/api"
	"github.com/notdeveloper/notdeveloper-go/internal/broadcast"
	"github.com/notdeveloper/notdeveloper-go/internal/config"
	"github.com/notdeveloper/notdeveloper-go/internal/datastore"
	"github.com/notdeveloper/notdeveloper-go/internal/detection"
	"github.com/notdeveloper/notdeveloper-go/internal/hook"
	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/notdeveloper/notdeveloper-go/internal/notifier"
	"github.com/notdeveloper/notdeveloper-go/internal/platform"
	"github.com/notdeveloper/notdeveloper-go/internal/prefs"
	"github.com/notdeveloper/notdeveloper-go/internal/repository"
	"github.com/notdeveloper/notdeveloper-go/internal/service"
	"github.com/notdeveloper/notdeveloper-go/internal/xposed"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// systemServerUID system_server 的 uid
const systemServerUID = 1000

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	fmt.Printf("NotDeveloper daemon %s (built %s, commit %s)\n\n", Version, BuildTime, GitCommit)

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.WithFields(logrus.Fields{
		"version": Version,
		"config":  *configPath,
	}).Info("Starting notdeveloper daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 指标
	promMetrics := middleware.NewPrometheusMetrics(logger, "notdeveloper")
	memMonitor := middleware.NewMemoryMonitor(logger, promMetrics, 30*time.Second)
	go memMonitor.Run(ctx)

	// 4. 数据库
	tracker := repository.NewInvalidationTracker(logger)
	db, err := repository.InitDB(&cfg.Database, tracker, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.WithField("type", cfg.Database.Type).Info("Database connected successfully")
	go reportDBStats(ctx, db, promMetrics)

	registry := detection.Default()
	repo := repository.NewDetectionRepository(db, tracker, registry.Keys(), logger)

	// 5. 设置文件与偏好快照
	settings := datastore.Open(cfg.DataStore.Dir, logger)
	exporter := prefs.NewExporter(repo, settings.UseGlobalPreferences, cfg.Prefs.SnapshotPath, logger)
	go func() {
		if err := exporter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Preference exporter stopped")
		}
	}()

	// 6. 平台与广播
	plat := newPlatform(&cfg.Platform, logger)
	bus, err := broadcast.New(&cfg.Broadcast, promMetrics, logger)
	if err != nil {
		logger.Fatalf("Failed to init broadcast bus: %v", err)
	}
	defer bus.Close()
	logger.WithField("driver", cfg.Broadcast.Driver).Info("Broadcast bus ready")

	// 7. system_server 侧的变更接收者
	systemServer := hook.NewEngine(hook.Config{
		Registry:   registry,
		Platform:   plat,
		Bus:        bus,
		AppPackage: cfg.App.Package,
		Metrics:    promMetrics,
		Logger:     logger,
	})
	defer systemServer.Close()

	bridge := xposed.NewBridge()
	bridge.SetLogSink(func(msg string) {
		logger.WithField("process", "system_server").Warn(msg)
	})
	xposed.LoadPackage(&xposed.LoadPackageParam{
		PackageName: notifier.SystemPackage,
		ProcessName: "system_server",
		UID:         systemServerUID,
		Bridge:      bridge,
	}, systemServer)

	// 8. 服务
	changeNotifier := notifier.New(bus, registry, cfg.App.Package, cfg.PropagationTimeout(), promMetrics, logger)
	database := service.NewDatabaseService(repo, settings.UseGlobalPreferences, changeNotifier, registry.Keys(), promMetrics, logger)
	defer database.Close()

	// 配置应用自身也需要拿到句柄
	allowed := append([]string(nil), cfg.Service.AllowedCallers...)
	if !slices.Contains(allowed, cfg.App.Package) {
		allowed = append(allowed, cfg.App.Package)
	}
	provider := service.NewProvider(&service.Service{
		Database: database,
		System:   service.NewSystemService(plat, promMetrics, logger),
	}, allowed, logger)

	// 9. HTTP Server
	router := api.SetupRouter(cfg, logger, provider, memMonitor, promMetrics)
	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 10. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("Daemon stopped")
}

func newPlatform(cfg *config.PlatformConfig, logger *logrus.Logger) platform.Platform {
	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory platform, settings are not read from a device")
		return platform.NewMemory()
	}
	timeout := time.Duration(cfg.ADB.Timeout) * time.Second
	logger.WithField("target", cfg.ADB.Target).Info("Using adb platform")
	return platform.NewADB(cfg.ADB.Target, timeout, logger)
}

func reportDBStats(ctx context.Context, db *gorm.DB, metrics *middleware.PrometheusMetrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sqlDB, err := db.DB()
			if err != nil {
				continue
			}
			stats := sqlDB.Stats()
			metrics.UpdateDBStats(stats.OpenConnections, stats.InUse)
		}
	}
}
