// Package detection 定义可被隐藏的开发者模式信号目录。
package detection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/notdeveloper/notdeveloper-go/internal/platform"
)

// Kind 检测方法种类
type Kind int

const (
	KindSettings Kind = iota
	KindSystemProperties
)

func (k Kind) String() string {
	switch k {
	case KindSettings:
		return "settings"
	case KindSystemProperties:
		return "system_properties"
	default:
		return "unknown"
	}
}

// Accessor 系统属性读取方法，决定覆盖值的类型转换
type Accessor int

const (
	AccessorString Accessor = iota // get / getprop
	AccessorBool                   // getBoolean
	AccessorInt                    // getInt
	AccessorLong                   // getLong
)

// Method 一个可观察的开发者模式信号。
// Kind 决定哪组字段有效：KindSettings 使用 Namespace/SettingKey，
// KindSystemProperties 使用 PropertyKey/OverrideValue。
type Method struct {
	Key      string // preference key，存储行与跨进程协议中的标识
	NameRes  string // 显示名称资源
	Category string
	Kind     Kind

	Namespace  platform.Namespace
	SettingKey string

	PropertyKey   string
	OverrideValue string
}

// Settings 创建 Settings 类检测方法，preference key 即设置项名
func Settings(ns platform.Namespace, key, nameRes string) Method {
	return Method{
		Key:        key,
		NameRes:    nameRes,
		Kind:       KindSettings,
		Namespace:  ns,
		SettingKey: key,
	}
}

// SystemProperty 创建系统属性类检测方法，preference key 即属性名
func SystemProperty(key, override, nameRes string) Method {
	return Method{
		Key:           key,
		NameRes:       nameRes,
		Kind:          KindSystemProperties,
		PropertyKey:   key,
		OverrideValue: override,
	}
}

// SettingsOverride 被隐藏时 Settings getInt 返回的值
const SettingsOverride = 0

// SettingsStringOverride 被隐藏时 Settings getString 返回的值
const SettingsStringOverride = "0"

// MatchesSetting 判断一次 Settings 调用是否命中本方法
func (m Method) MatchesSetting(key string) bool {
	return m.Kind == KindSettings && m.SettingKey == key
}

// MatchesProperty 判断一次 SystemProperties 调用是否命中本方法
func (m Method) MatchesProperty(key string) bool {
	return m.Kind == KindSystemProperties && m.PropertyKey == key
}

// Coerce 按读取方法把覆盖值转换为对应类型；def 为调用方传入的默认值
func (m Method) Coerce(acc Accessor, def any) any {
	v := m.OverrideValue
	switch acc {
	case AccessorBool:
		if b, ok := parseBool(v); ok {
			return b
		}
		return def
	case AccessorInt:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32); err == nil {
			return int(n)
		}
		return def
	case AccessorLong:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
		return def
	default:
		return v
	}
}

// parseBool 与 Android SystemProperties.getBoolean 的解析规则一致
func parseBool(v string) (bool, bool) {
	switch v {
	case "1", "y", "yes", "on", "true":
		return true, true
	case "0", "n", "no", "off", "false":
		return false, true
	}
	return false, false
}

// Test 报告该信号当前在系统中是否真实可被检测到
func (m Method) Test(ctx context.Context, p platform.Platform) (bool, error) {
	switch m.Kind {
	case KindSettings:
		v, err := p.GetSetting(ctx, m.Namespace, m.SettingKey, 0)
		if errors.Is(err, platform.ErrSettingNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("setting %s is not an int: %q", m.SettingKey, v)
		}
		return n != 0, nil
	case KindSystemProperties:
		v, err := p.GetProperty(ctx, m.PropertyKey)
		if err != nil {
			return false, err
		}
		return v != "" && v != m.OverrideValue, nil
	}
	return false, fmt.Errorf("unknown detection kind %d", m.Kind)
}
