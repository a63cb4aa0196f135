package hook

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/notdeveloper/notdeveloper-go/internal/broadcast"
	"github.com/notdeveloper/notdeveloper-go/internal/detection"
	"github.com/notdeveloper/notdeveloper-go/internal/notifier"
	"github.com/notdeveloper/notdeveloper-go/internal/platform"
	"github.com/notdeveloper/notdeveloper-go/internal/sysapi"
	"github.com/notdeveloper/notdeveloper-go/internal/xposed"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appPackage = "io.notdeveloper"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakePrefs 记录 Reload 次数，disabled 中的键不隐藏
type fakePrefs struct {
	mu       sync.Mutex
	disabled map[string]bool
	reloads  int
}

func (f *fakePrefs) Reload() {
	f.mu.Lock()
	f.reloads++
	f.mu.Unlock()
}

func (f *fakePrefs) IsDetectionEnabled(_ string, _ int, methodKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.disabled[methodKey]
}

func (f *fakePrefs) reloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads
}

func devicePlatform() *platform.Memory {
	mem := platform.NewMemory()
	mem.PutSetting(platform.NamespaceGlobal, "adb_enabled", 0, "1")
	mem.PutSetting(platform.NamespaceGlobal, "development_settings_enabled", 0, "1")
	mem.PutSetting(platform.NamespaceGlobal, "screen_off_timeout", 0, "60000")
	mem.SetProperty("sys.usb.state", "mtp,adb")
	mem.SetProperty("sys.usb.ffs.ready", "1")
	mem.SetProperty("service.adb.tcp.port", "5555")
	mem.SetProperty("init.svc.adbd", "running")
	mem.SetProperty("ro.build.type", "user")
	return mem
}

// loadApp 模拟应用进程启动：安装系统接口后交给引擎
func loadApp(t *testing.T, engine *Engine, mem platform.Platform, pkg string) *sysapi.API {
	t.Helper()
	api := sysapi.Install(context.Background(), xposed.NewBridge(), mem)
	sysapi.DefineModuleStatus(api.Bridge(), appPackage)
	xposed.LoadPackage(&xposed.LoadPackageParam{
		PackageName: pkg,
		ProcessName: pkg,
		UID:         platform.UID(0, 10100),
		Bridge:      api.Bridge(),
	}, engine)
	return api
}

func TestEngine_HidesSettingsFromApp(t *testing.T) {
	mem := devicePlatform()
	prefs := &fakePrefs{}
	engine := NewEngine(Config{Prefs: prefs, AppPackage: appPackage, Logger: testLogger()})

	api := loadApp(t, engine, mem, "com.example.app")
	cr := sysapi.ContentResolver{PackageName: "com.example.app"}

	n, err := api.Global().GetInt(cr, "adb_enabled")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, api.Global().GetIntDefault(cr, "development_settings_enabled", 1))

	s, ok := api.Global().GetString(cr, "adb_enabled")
	assert.True(t, ok)
	assert.Equal(t, "0", s)

	// Secure 读取转发到 Global，同样被改写
	n, err = api.Secure().GetInt(cr, "adb_enabled")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 设置不存在时也返回关闭
	n, err = api.Global().GetInt(cr, "adb_wifi_enabled")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 无关设置不受影响
	assert.Equal(t, 60000, api.Global().GetIntDefault(cr, "screen_off_timeout", 0))

	assert.Positive(t, prefs.reloadCount())
}

func TestEngine_SkipsPlatformPackages(t *testing.T) {
	mem := devicePlatform()
	engine := NewEngine(Config{Prefs: &fakePrefs{}, AppPackage: appPackage, Logger: testLogger()})

	for _, pkg := range []string{"com.android.shell", "android.process.media"} {
		api := loadApp(t, engine, mem, pkg)
		cr := sysapi.ContentResolver{PackageName: pkg}

		n, err := api.Global().GetInt(cr, "adb_enabled")
		require.NoError(t, err)
		assert.Equal(t, 1, n, pkg)
		assert.Equal(t, "mtp,adb", api.SystemProperties().Get("sys.usb.state"), pkg)
	}
}

func TestEngine_OverridesProperties(t *testing.T) {
	mem := devicePlatform()
	engine := NewEngine(Config{Prefs: &fakePrefs{}, AppPackage: appPackage, Logger: testLogger()})

	props := loadApp(t, engine, mem, "com.example.app").SystemProperties()

	assert.Equal(t, "mtp", props.Get("sys.usb.state"))
	assert.Equal(t, "mtp", props.GetDefault("sys.usb.state", "none"))
	assert.Equal(t, "stopped", props.Getprop("init.svc.adbd", ""))
	assert.False(t, props.GetBoolean("sys.usb.ffs.ready", true))
	assert.Equal(t, -1, props.GetInt("service.adb.tcp.port", 0))
	assert.Equal(t, int64(-1), props.GetLong("service.adb.tcp.port", 0))

	// 覆盖值无法转换为整数时返回调用方默认值
	assert.Equal(t, 7, props.GetInt("sys.usb.state", 7))

	assert.Equal(t, "user", props.Get("ro.build.type"))
}

func TestEngine_RespectsPreferences(t *testing.T) {
	mem := devicePlatform()
	prefs := &fakePrefs{disabled: map[string]bool{"adb_enabled": true, "sys.usb.state": true}}
	engine := NewEngine(Config{Prefs: prefs, AppPackage: appPackage, Logger: testLogger()})

	api := loadApp(t, engine, mem, "com.example.app")
	cr := sysapi.ContentResolver{PackageName: "com.example.app"}

	n, err := api.Global().GetInt(cr, "adb_enabled")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, api.Global().GetIntDefault(cr, "development_settings_enabled", 1))

	assert.Equal(t, "mtp,adb", api.SystemProperties().Get("sys.usb.state"))
	assert.Equal(t, "stopped", api.SystemProperties().Getprop("init.svc.adbd", ""))
}

func TestEngine_NilPreferencesHideEverything(t *testing.T) {
	engine := NewEngine(Config{AppPackage: appPackage, Logger: testLogger()})
	api := loadApp(t, engine, devicePlatform(), "com.example.app")

	n, err := api.Global().GetInt(sysapi.ContentResolver{PackageName: "com.example.app"}, "adb_enabled")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEngine_MissingMembersDegradePerMethod(t *testing.T) {
	// 只有 Settings$Global，没有 SystemProperties
	bridge := xposed.NewBridge()
	getString := bridge.Define(sysapi.ClassGlobal, sysapi.MethodGetStringForUser, sysapi.ParamsGetStringForUser,
		func(_ any, args []any) (any, error) { return "1", nil })
	bridge.Define(sysapi.ClassGlobal, sysapi.MethodGetInt, sysapi.ParamsGetInt,
		func(_ any, args []any) (any, error) { return 1, nil })
	bridge.Define(sysapi.ClassGlobal, sysapi.MethodGetInt, sysapi.ParamsGetIntDefault,
		func(_ any, args []any) (any, error) { return 1, nil })

	engine := NewEngine(Config{Prefs: &fakePrefs{}, AppPackage: appPackage, Logger: testLogger()})
	lp := &xposed.LoadPackageParam{PackageName: "com.example.app", UID: platform.UID(0, 10100), Bridge: bridge}
	require.NotPanics(t, func() { xposed.LoadPackage(lp, engine) })

	var settings int
	for _, m := range detection.Default().AllMethods() {
		if m.Kind == detection.KindSettings {
			settings++
		}
	}
	assert.Equal(t, settings, bridge.HookCount(getString))

	v, err := bridge.Invoke(getString, nil, sysapi.ContentResolver{}, "adb_enabled", 0)
	require.NoError(t, err)
	assert.Equal(t, "0", v)
	assert.Empty(t, bridge.Logs())
}

func TestEngine_InstallsOncePerProcess(t *testing.T) {
	engine := NewEngine(Config{Prefs: &fakePrefs{}, AppPackage: appPackage, Logger: testLogger()})
	api := loadApp(t, engine, devicePlatform(), "com.example.app")

	m, err := api.Bridge().FindMethod(sysapi.ClassGlobal, sysapi.MethodGetStringForUser, sysapi.ParamsGetStringForUser...)
	require.NoError(t, err)
	before := api.Bridge().HookCount(m)
	require.Positive(t, before)

	lp := &xposed.LoadPackageParam{PackageName: "com.example.app", Bridge: api.Bridge()}
	require.NoError(t, engine.HandleLoadPackage(lp))
	assert.Equal(t, before, api.Bridge().HookCount(m))
}

func TestEngine_StatusProbe(t *testing.T) {
	bridge := xposed.NewBridge()
	sysapi.DefineModuleStatus(bridge, appPackage)
	assert.False(t, sysapi.IsModuleActivated(bridge, appPackage))

	api := sysapi.Install(context.Background(), bridge, devicePlatform())
	engine := NewEngine(Config{Prefs: &fakePrefs{}, AppPackage: appPackage, Logger: testLogger()})
	xposed.LoadPackage(&xposed.LoadPackageParam{PackageName: appPackage, Bridge: bridge}, engine)

	assert.True(t, sysapi.IsModuleActivated(bridge, appPackage))

	// 配置应用自身读到真实值
	n, err := api.Global().GetInt(sysapi.ContentResolver{PackageName: appPackage}, "adb_enabled")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_SystemServerPropagation(t *testing.T) {
	logger := testLogger()
	mem := devicePlatform()
	bus := broadcast.NewMemoryBus(2, nil, logger)
	t.Cleanup(func() { bus.Close() })

	observed := make(chan string, 4)
	unregister := mem.RegisterObserver(func(ns platform.Namespace, key string) { observed <- key })
	defer unregister()

	engine := NewEngine(Config{Platform: mem, Bus: bus, AppPackage: appPackage, Logger: logger})
	bridge := xposed.NewBridge()
	xposed.LoadPackage(&xposed.LoadPackageParam{PackageName: notifier.SystemPackage, Bridge: bridge}, engine)
	require.Empty(t, bridge.Logs())

	n := notifier.New(bus, detection.Default(), appPackage, 2*time.Second, nil, logger)
	outcome, err := n.NotifyChange(context.Background(), "com.example.app", "adb_enabled")
	require.NoError(t, err)
	assert.Equal(t, notifier.OutcomeAcked, outcome)
	assert.Contains(t, mem.Notified(), "global/adb_enabled")

	select {
	case key := <-observed:
		assert.Equal(t, "adb_enabled", key)
	case <-time.After(time.Second):
		t.Fatal("observer not notified")
	}

	// 注销后请求得不到回执
	engine.Close()
	n = notifier.New(bus, detection.Default(), appPackage, 100*time.Millisecond, nil, logger)
	outcome, err = n.NotifyChange(context.Background(), "com.example.app", "adb_enabled")
	require.NoError(t, err)
	assert.Equal(t, notifier.OutcomeTimeout, outcome)
}

func TestEngine_SystemServerNotifyFailure(t *testing.T) {
	logger := testLogger()
	mem := devicePlatform()
	mem.SetNotifyHook(func(platform.Namespace, string) error { return assert.AnError })
	bus := broadcast.NewMemoryBus(2, nil, logger)
	t.Cleanup(func() { bus.Close() })

	engine := NewEngine(Config{Platform: mem, Bus: bus, AppPackage: appPackage, Logger: logger})
	defer engine.Close()
	bridge := xposed.NewBridge()
	require.NoError(t, engine.HandleLoadPackage(&xposed.LoadPackageParam{PackageName: notifier.SystemPackage, Bridge: bridge}))

	n := notifier.New(bus, detection.Default(), appPackage, 100*time.Millisecond, nil, logger)
	outcome, err := n.NotifyChange(context.Background(), "com.example.app", "adb_enabled")
	require.NoError(t, err)
	assert.Equal(t, notifier.OutcomeTimeout, outcome)
	assert.Eventually(t, func() bool { return len(bridge.Logs()) > 0 }, time.Second, 10*time.Millisecond)
}

func TestEngine_SystemServerRequiresBus(t *testing.T) {
	engine := NewEngine(Config{AppPackage: appPackage, Logger: testLogger()})
	err := engine.HandleLoadPackage(&xposed.LoadPackageParam{PackageName: notifier.SystemPackage, Bridge: xposed.NewBridge()})
	assert.Error(t, err)
}
