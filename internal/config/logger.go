package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
)

func InitLogger(cfg *LogConfig) *logrus.Logger {
	logger := logrus.New()

	// 设置日志级别
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// 启用调用者信息（文件名和行号）
	logger.SetReportCaller(true)

	callerPrettyfier := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", f.File, f.Line)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  "2006-01-02 15:04:05",
			CallerPrettyfier: callerPrettyfier,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  "2006/01/02 15:04:05",
			CallerPrettyfier: callerPrettyfier,
		})
	}

	logger.SetOutput(os.Stdout)

	return logger
}

// LogSink Xposed 框架日志出口
type LogSink interface {
	Log(message string)
}

// XposedMirrorHook 将 warn/error 级别日志同步写入 Xposed 日志，
// 这样即使配置应用没有运行，hook 进程里的失败也可见
type XposedMirrorHook struct {
	Sink LogSink
	Tag  string
}

// Levels 只镜像 warn 及以上
func (h *XposedMirrorHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

// Fire 写入 Xposed 日志
func (h *XposedMirrorHook) Fire(entry *logrus.Entry) error {
	if h.Sink == nil {
		return nil
	}

	msg := fmt.Sprintf("[%s] %s: %s", h.Tag, entry.Level.String(), entry.Message)
	if err, ok := entry.Data[logrus.ErrorKey]; ok {
		msg = fmt.Sprintf("%s (%v)", msg, err)
	}
	h.Sink.Log(msg)
	return nil
}

// NewHookedProcessLogger 为 hook 进程创建日志器，并挂上 Xposed 镜像
func NewHookedProcessLogger(cfg *LogConfig, sink LogSink, tag string) *logrus.Logger {
	logger := InitLogger(cfg)
	if cfg.XposedMirror && sink != nil {
		logger.AddHook(&XposedMirrorHook{Sink: sink, Tag: tag})
	}
	return logger
}
