// Package hook 在应用进程加载时安装拦截器，按偏好把开发者模式信号改写为关闭状态。
package hook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/notdeveloper/notdeveloper-go/internal/broadcast"
	"github.com/notdeveloper/notdeveloper-go/internal/detection"
	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/notdeveloper/notdeveloper-go/internal/notifier"
	"github.com/notdeveloper/notdeveloper-go/internal/platform"
	"github.com/notdeveloper/notdeveloper-go/internal/sysapi"
	"github.com/notdeveloper/notdeveloper-go/internal/xposed"
	"github.com/sirupsen/logrus"
)

// Preferences hook 侧的偏好来源
type Preferences interface {
	// Reload 在每次判断前调用，让配置变更对运行中的进程生效
	Reload()
	IsDetectionEnabled(packageName string, userID int, methodKey string) bool
}

// Engine 拦截器安装入口
type Engine struct {
	registry   *detection.Registry
	prefs      Preferences
	platform   platform.Platform
	bus        broadcast.Bus
	appPackage string
	metrics    *middleware.PrometheusMetrics
	logger     *logrus.Logger

	mu        sync.Mutex
	installed map[*xposed.Bridge]struct{}
	receivers []broadcast.Registration
}

// Config Engine 依赖
type Config struct {
	Registry   *detection.Registry
	Prefs      Preferences
	Platform   platform.Platform // system_server 使用
	Bus        broadcast.Bus     // system_server 使用
	AppPackage string
	Metrics    *middleware.PrometheusMetrics
	Logger     *logrus.Logger
}

// NewEngine 创建 Engine
func NewEngine(cfg Config) *Engine {
	registry := cfg.Registry
	if registry == nil {
		registry = detection.Default()
	}
	return &Engine{
		registry:   registry,
		prefs:      cfg.Prefs,
		platform:   cfg.Platform,
		bus:        cfg.Bus,
		appPackage: cfg.AppPackage,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		installed:  make(map[*xposed.Bridge]struct{}),
	}
}

// HandleLoadPackage 实现 xposed.Module
func (e *Engine) HandleLoadPackage(lp *xposed.LoadPackageParam) error {
	if !e.markInstalled(lp.Bridge) {
		return nil
	}

	log := e.logger.WithFields(logrus.Fields{
		"package": lp.PackageName,
		"uid":     lp.UID,
	})

	switch {
	case lp.PackageName == notifier.SystemPackage:
		log.Info("Installing change receiver in system_server")
		return e.installChangeReceiver(lp)

	case isPlatformPackage(lp.PackageName):
		log.Debug("Skipping platform package")
		return nil

	case lp.PackageName == e.appPackage:
		log.Debug("Installing module status probe")
		return e.installStatusProbe(lp)
	}

	userID := platform.UserID(lp.UID)
	var failed int
	for _, m := range e.registry.AllMethods() {
		if err := e.installMethod(lp, userID, m); err != nil {
			failed++
			e.metrics.RecordHookInstall(m.Key, false)
			log.WithError(err).WithField("method", m.Key).Warn("Failed to hook detection method")
			continue
		}
		e.metrics.RecordHookInstall(m.Key, true)
	}

	log.WithField("failed", failed).Debug("Detection hooks installed")
	return nil
}

func (e *Engine) markInstalled(b *xposed.Bridge) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.installed[b]; ok {
		return false
	}
	e.installed[b] = struct{}{}
	return true
}

func isPlatformPackage(pkg string) bool {
	return strings.HasPrefix(pkg, "android") || strings.HasPrefix(pkg, "com.android")
}

func (e *Engine) installStatusProbe(lp *xposed.LoadPackageParam) error {
	_, err := lp.Bridge.FindAndHookMethod(sysapi.StatusClass(e.appPackage), sysapi.MethodIsModuleActivated, nil,
		xposed.MethodHook{
			Before: func(p *xposed.Param) { p.SetResult(true) },
		})
	if err != nil {
		return fmt.Errorf("hook module status: %w", err)
	}
	return nil
}

// installMethod 安装单个检测方法的全部拦截，panic 转为错误
func (e *Engine) installMethod(lp *xposed.LoadPackageParam, userID int, m detection.Method) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while hooking %s: %v", m.Key, r)
		}
	}()

	switch m.Kind {
	case detection.KindSettings:
		return e.hookSettings(lp, userID, m)
	case detection.KindSystemProperties:
		return e.hookProperties(lp, userID, m)
	}
	return fmt.Errorf("unknown detection kind %s", m.Kind)
}

// enabled 命中键之后才重新加载偏好
func (e *Engine) enabled(lp *xposed.LoadPackageParam, userID int, m detection.Method) bool {
	if e.prefs == nil {
		return true
	}
	e.prefs.Reload()
	return e.prefs.IsDetectionEnabled(lp.PackageName, userID, m.Key)
}

func (e *Engine) hookSettings(lp *xposed.LoadPackageParam, userID int, m detection.Method) error {
	class := sysapi.ClassFor(m.Namespace)

	override := func(result any) xposed.MethodHook {
		return xposed.MethodHook{
			After: func(p *xposed.Param) {
				if !m.MatchesSetting(p.ArgString(1)) {
					return
				}
				hidden := e.enabled(lp, userID, m)
				e.metrics.RecordInterception(m.Key, hidden)
				if hidden {
					p.SetResult(result)
				}
			},
		}
	}

	var errs []error
	targets := []struct {
		name   string
		params []string
		result any
	}{
		{sysapi.MethodGetInt, sysapi.ParamsGetInt, detection.SettingsOverride},
		{sysapi.MethodGetInt, sysapi.ParamsGetIntDefault, detection.SettingsOverride},
		{sysapi.MethodGetStringForUser, sysapi.ParamsGetStringForUser, detection.SettingsStringOverride},
	}
	for _, t := range targets {
		if _, err := lp.Bridge.FindAndHookMethod(class, t.name, t.params, override(t.result)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) hookProperties(lp *xposed.LoadPackageParam, userID int, m detection.Method) error {
	hook := func(acc detection.Accessor, hasDefault bool) xposed.MethodHook {
		return xposed.MethodHook{
			After: func(p *xposed.Param) {
				if !m.MatchesProperty(p.ArgString(0)) {
					return
				}
				hidden := e.enabled(lp, userID, m)
				e.metrics.RecordInterception(m.Key, hidden)
				if !hidden {
					return
				}
				var def any
				if hasDefault && len(p.Args) > 1 {
					def = p.Args[1]
				}
				p.SetResult(m.Coerce(acc, def))
			},
		}
	}

	var errs []error
	targets := []struct {
		name   string
		params []string
		acc    detection.Accessor
	}{
		{sysapi.MethodGet, sysapi.ParamsGetDefault, detection.AccessorString},
		{sysapi.MethodNativeGet, sysapi.ParamsGetDefault, detection.AccessorString},
		{sysapi.MethodGetBoolean, sysapi.ParamsGetBoolean, detection.AccessorBool},
		{sysapi.MethodGetInt, sysapi.ParamsGetIntProp, detection.AccessorInt},
		{sysapi.MethodGetLong, sysapi.ParamsGetLong, detection.AccessorLong},
	}
	for _, t := range targets {
		if _, err := lp.Bridge.FindAndHookMethod(sysapi.ClassSystemProperties, t.name, t.params, hook(t.acc, true)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// installChangeReceiver system_server 中接收变更请求，重新派发后回执
func (e *Engine) installChangeReceiver(lp *xposed.LoadPackageParam) error {
	if e.bus == nil || e.platform == nil {
		return errors.New("change receiver requires a broadcast bus and platform")
	}

	reg, err := e.bus.Register(
		broadcast.IntentFilter{Action: notifier.ActionChange, Package: notifier.SystemPackage},
		func(ctx context.Context, intent broadcast.Intent) {
			e.handleChange(ctx, lp, intent)
		},
	)
	if err != nil {
		return fmt.Errorf("register change receiver: %w", err)
	}

	e.mu.Lock()
	e.receivers = append(e.receivers, reg)
	e.mu.Unlock()
	return nil
}

func (e *Engine) handleChange(ctx context.Context, lp *xposed.LoadPackageParam, intent broadcast.Intent) {
	id, _ := intent.Extra(notifier.ExtraID)
	key, _ := intent.Extra(notifier.ExtraMethod)
	log := e.logger.WithFields(logrus.Fields{"id": id, "method": key})

	m, ok := e.registry.Lookup(key)
	if !ok || m.Kind != detection.KindSettings {
		log.Warn("Ignoring change request for unknown settings method")
		return
	}

	if err := e.platform.NotifySettingChange(ctx, m.Namespace, m.SettingKey); err != nil {
		log.WithError(err).Error("Failed to notify setting change")
		lp.Bridge.Log(fmt.Sprintf("notify %s failed: %v", m.SettingKey, err))
		return
	}

	reply := broadcast.NewIntent(notifier.ActionChangeCallback, e.appPackage).With(notifier.ExtraID, id)
	if err := e.bus.Send(ctx, reply); err != nil {
		log.WithError(err).Warn("Failed to send change callback")
		return
	}
	log.Debug("Setting change dispatched")
}

// Close 注销 system_server 中的接收者
func (e *Engine) Close() {
	e.mu.Lock()
	receivers := e.receivers
	e.receivers = nil
	e.mu.Unlock()

	for _, r := range receivers {
		r.Unregister()
	}
}
