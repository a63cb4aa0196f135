// Package sysapi 进程内的 Settings / SystemProperties 入口。
// 每个读取方法都经由 xposed.Bridge 调用，已安装的 hook 可以改写结果。
package sysapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/notdeveloper/notdeveloper-go/internal/platform"
	"github.com/notdeveloper/notdeveloper-go/internal/xposed"
)

// 类名
const (
	ClassGlobal           = "android.provider.Settings$Global"
	ClassSecure           = "android.provider.Settings$Secure"
	ClassSystem           = "android.provider.Settings$System"
	ClassSystemProperties = "android.os.SystemProperties"
)

// 参数类型名
const (
	TypeContentResolver = "android.content.ContentResolver"
	TypeString          = "java.lang.String"
	TypeInt             = "int"
	TypeLong            = "long"
	TypeBoolean         = "boolean"
)

// 方法名
const (
	MethodGetInt           = "getInt"
	MethodGetString        = "getString"
	MethodGetStringForUser = "getStringForUser"
	MethodGet              = "get"
	MethodNativeGet        = "native_get"
	MethodGetBoolean       = "getBoolean"
	MethodGetLong          = "getLong"
)

// 方法签名
var (
	ParamsGetInt           = []string{TypeContentResolver, TypeString}
	ParamsGetIntDefault    = []string{TypeContentResolver, TypeString, TypeInt}
	ParamsGetString        = []string{TypeContentResolver, TypeString}
	ParamsGetStringForUser = []string{TypeContentResolver, TypeString, TypeInt}

	ParamsGet        = []string{TypeString}
	ParamsGetDefault = []string{TypeString, TypeString}
	ParamsGetBoolean = []string{TypeString, TypeBoolean}
	ParamsGetIntProp = []string{TypeString, TypeInt}
	ParamsGetLong    = []string{TypeString, TypeLong}
)

// movedToGlobal Secure 中已迁移到 Global 的键
var movedToGlobal = map[string]struct{}{
	"adb_enabled":                  {},
	"development_settings_enabled": {},
	"bluetooth_on":                 {},
	"data_roaming":                 {},
	"install_non_market_apps":      {},
	"usb_mass_storage_enabled":     {},
	"wifi_on":                      {},
}

// ContentResolver 调用方身份
type ContentResolver struct {
	PackageName string
	UserID      int
}

// ClassFor 命名空间对应的类名
func ClassFor(ns platform.Namespace) string {
	switch ns {
	case platform.NamespaceSecure:
		return ClassSecure
	case platform.NamespaceSystem:
		return ClassSystem
	default:
		return ClassGlobal
	}
}

// API 进程内的系统接口
type API struct {
	ctx      context.Context
	bridge   *xposed.Bridge
	platform platform.Platform
}

// Install 把系统接口的原始实现注册到 bridge
func Install(ctx context.Context, bridge *xposed.Bridge, p platform.Platform) *API {
	a := &API{ctx: ctx, bridge: bridge, platform: p}

	for _, ns := range []platform.Namespace{platform.NamespaceGlobal, platform.NamespaceSecure, platform.NamespaceSystem} {
		a.defineSettings(ns)
	}
	a.defineProperties()
	return a
}

// Bridge 所属 bridge
func (a *API) Bridge() *xposed.Bridge {
	return a.bridge
}

func (a *API) defineSettings(ns platform.Namespace) {
	class := ClassFor(ns)
	b := a.bridge

	b.Define(class, MethodGetStringForUser, ParamsGetStringForUser, func(_ any, args []any) (any, error) {
		name, _ := args[1].(string)
		userID, _ := args[2].(int)

		if ns == platform.NamespaceSecure {
			if _, ok := movedToGlobal[name]; ok {
				return a.Global().invoke(MethodGetStringForUser, ParamsGetStringForUser, args...)
			}
		}

		v, err := a.platform.GetSetting(a.ctx, ns, name, userID)
		if errors.Is(err, platform.ErrSettingNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})

	b.Define(class, MethodGetString, ParamsGetString, func(_ any, args []any) (any, error) {
		cr, _ := args[0].(ContentResolver)
		return a.Settings(ns).invoke(MethodGetStringForUser, ParamsGetStringForUser, cr, args[1], cr.UserID)
	})

	b.Define(class, MethodGetInt, ParamsGetInt, func(_ any, args []any) (any, error) {
		cr, _ := args[0].(ContentResolver)
		name, _ := args[1].(string)
		v, err := a.Settings(ns).invoke(MethodGetStringForUser, ParamsGetStringForUser, cr, name, cr.UserID)
		if err != nil {
			return nil, err
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s", platform.ErrSettingNotFound, name)
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", platform.ErrSettingNotFound, name)
		}
		return n, nil
	})

	b.Define(class, MethodGetInt, ParamsGetIntDefault, func(_ any, args []any) (any, error) {
		cr, _ := args[0].(ContentResolver)
		name, _ := args[1].(string)
		def, _ := args[2].(int)
		v, err := a.Settings(ns).invoke(MethodGetStringForUser, ParamsGetStringForUser, cr, name, cr.UserID)
		if err != nil {
			return def, nil
		}
		s, ok := v.(string)
		if !ok {
			return def, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return def, nil
		}
		return n, nil
	})
}

func (a *API) defineProperties() {
	b := a.bridge
	class := ClassSystemProperties

	raw := func(key string) string {
		v, err := a.platform.GetProperty(a.ctx, key)
		if err != nil {
			return ""
		}
		return v
	}

	b.Define(class, MethodNativeGet, ParamsGetDefault, func(_ any, args []any) (any, error) {
		key, _ := args[0].(string)
		def, _ := args[1].(string)
		if v := raw(key); v != "" {
			return v, nil
		}
		return def, nil
	})

	b.Define(class, MethodGet, ParamsGetDefault, func(_ any, args []any) (any, error) {
		return a.SystemProperties().invoke(MethodNativeGet, ParamsGetDefault, args...)
	})

	b.Define(class, MethodGet, ParamsGet, func(_ any, args []any) (any, error) {
		return a.SystemProperties().invoke(MethodGet, ParamsGetDefault, args[0], "")
	})

	b.Define(class, MethodGetBoolean, ParamsGetBoolean, func(_ any, args []any) (any, error) {
		key, _ := args[0].(string)
		def, _ := args[1].(bool)
		switch raw(key) {
		case "1", "y", "yes", "on", "true":
			return true, nil
		case "0", "n", "no", "off", "false":
			return false, nil
		}
		return def, nil
	})

	b.Define(class, MethodGetInt, ParamsGetIntProp, func(_ any, args []any) (any, error) {
		key, _ := args[0].(string)
		def, _ := args[1].(int)
		n, err := strconv.ParseInt(strings.TrimSpace(raw(key)), 10, 32)
		if err != nil {
			return def, nil
		}
		return int(n), nil
	})

	b.Define(class, MethodGetLong, ParamsGetLong, func(_ any, args []any) (any, error) {
		key, _ := args[0].(string)
		def, _ := args[1].(int64)
		n, err := strconv.ParseInt(strings.TrimSpace(raw(key)), 10, 64)
		if err != nil {
			return def, nil
		}
		return n, nil
	})
}

// Settings 命名空间访问器
func (a *API) Settings(ns platform.Namespace) Settings {
	return Settings{api: a, class: ClassFor(ns)}
}

func (a *API) Global() Settings { return a.Settings(platform.NamespaceGlobal) }
func (a *API) Secure() Settings { return a.Settings(platform.NamespaceSecure) }
func (a *API) System() Settings { return a.Settings(platform.NamespaceSystem) }

// SystemProperties 系统属性访问器
func (a *API) SystemProperties() SystemProperties {
	return SystemProperties{api: a}
}

func (a *API) call(class, name string, params []string, args ...any) (any, error) {
	m, err := a.bridge.FindMethod(class, name, params...)
	if err != nil {
		return nil, err
	}
	return a.bridge.Invoke(m, nil, args...)
}

// Settings 对应 Settings.Global / Secure / System
type Settings struct {
	api   *API
	class string
}

func (s Settings) invoke(name string, params []string, args ...any) (any, error) {
	return s.api.call(s.class, name, params, args...)
}

// GetInt 设置不存在或不是整数时返回 platform.ErrSettingNotFound
func (s Settings) GetInt(cr ContentResolver, name string) (int, error) {
	v, err := s.invoke(MethodGetInt, ParamsGetInt, cr, name)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("%w: %s", platform.ErrSettingNotFound, name)
	}
	return n, nil
}

// GetIntDefault 读取失败时返回 def
func (s Settings) GetIntDefault(cr ContentResolver, name string, def int) int {
	v, err := s.invoke(MethodGetInt, ParamsGetIntDefault, cr, name, def)
	if err != nil {
		return def
	}
	n, ok := v.(int)
	if !ok {
		return def
	}
	return n
}

// GetString 第二个返回值为 false 表示设置不存在
func (s Settings) GetString(cr ContentResolver, name string) (string, bool) {
	v, err := s.invoke(MethodGetString, ParamsGetString, cr, name)
	if err != nil {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

func (s Settings) GetStringForUser(cr ContentResolver, name string, userID int) (string, bool) {
	v, err := s.invoke(MethodGetStringForUser, ParamsGetStringForUser, cr, name, userID)
	if err != nil {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// SystemProperties 对应 android.os.SystemProperties
type SystemProperties struct {
	api *API
}

func (p SystemProperties) invoke(name string, params []string, args ...any) (any, error) {
	return p.api.call(ClassSystemProperties, name, params, args...)
}

func (p SystemProperties) Get(key string) string {
	v, err := p.invoke(MethodGet, ParamsGet, key)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (p SystemProperties) GetDefault(key, def string) string {
	v, err := p.invoke(MethodGet, ParamsGetDefault, key, def)
	if err != nil {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// Getprop 原生读取入口
func (p SystemProperties) Getprop(key, def string) string {
	v, err := p.invoke(MethodNativeGet, ParamsGetDefault, key, def)
	if err != nil {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

func (p SystemProperties) GetBoolean(key string, def bool) bool {
	v, err := p.invoke(MethodGetBoolean, ParamsGetBoolean, key, def)
	if err != nil {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func (p SystemProperties) GetInt(key string, def int) int {
	v, err := p.invoke(MethodGetInt, ParamsGetIntProp, key, def)
	if err != nil {
		return def
	}
	n, ok := v.(int)
	if !ok {
		return def
	}
	return n
}

func (p SystemProperties) GetLong(key string, def int64) int64 {
	v, err := p.invoke(MethodGetLong, ParamsGetLong, key, def)
	if err != nil {
		return def
	}
	n, ok := v.(int64)
	if !ok {
		return def
	}
	return n
}
