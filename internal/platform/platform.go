// Package platform 抽象隐藏的 Android 平台 API（Settings、SystemProperties、
// 多用户与包管理），业务代码只依赖这里的接口，不直接访问设备。
package platform

import (
	"context"
	"errors"
	"fmt"
)

// Namespace Settings 命名空间，取值与跨进程协议中的 type 一致
type Namespace int

const (
	NamespaceGlobal Namespace = 0
	NamespaceSystem Namespace = 1
	NamespaceSecure Namespace = 2
)

func (n Namespace) String() string {
	switch n {
	case NamespaceGlobal:
		return "global"
	case NamespaceSystem:
		return "system"
	case NamespaceSecure:
		return "secure"
	default:
		return fmt.Sprintf("namespace(%d)", int(n))
	}
}

// ParseNamespace 解析协议中的 type 值
func ParseNamespace(v int) (Namespace, error) {
	n := Namespace(v)
	switch n {
	case NamespaceGlobal, NamespaceSystem, NamespaceSecure:
		return n, nil
	}
	return 0, fmt.Errorf("unknown settings namespace %d", v)
}

// ErrSettingNotFound 设置项不存在
var ErrSettingNotFound = errors.New("setting not found")

// PerUserRange Android uid = userId * PerUserRange + appId
const PerUserRange = 100000

// AppID 从 uid 取出 appId
func AppID(uid int) int {
	return uid % PerUserRange
}

// UserID 从 uid 取出 userId
func UserID(uid int) int {
	return uid / PerUserRange
}

// UID 组合 uid
func UID(userID, appID int) int {
	return userID*PerUserRange + appID
}

// UserInfo Android 多用户信息快照
type UserInfo struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Flags int    `json:"flags"`
}

// ApplicationInfo 已安装应用
type ApplicationInfo struct {
	PackageName string `json:"package_name"`
	UID         int    `json:"uid"`
	UserID      int    `json:"user_id"`
	AppID       int    `json:"app_id"`
}

// Platform 平台访问接口
type Platform interface {
	// GetSetting 读取 Settings 值，不存在时返回 ErrSettingNotFound
	GetSetting(ctx context.Context, ns Namespace, key string, userID int) (string, error)
	// GetProperty 读取系统属性，不存在时返回空串
	GetProperty(ctx context.Context, key string) (string, error)
	// ListUsers 列出设备用户
	ListUsers(ctx context.Context) ([]UserInfo, error)
	// ListApplications 列出指定用户已安装应用
	ListApplications(ctx context.Context, userID int) ([]ApplicationInfo, error)
	// NotifySettingChange 让系统重新向观察者派发该设置项的变更通知
	NotifySettingChange(ctx context.Context, ns Namespace, key string) error
}
