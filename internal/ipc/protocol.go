// Package ipc 配置服务的跨进程客户端与线上协议。
package ipc

import "encoding/json"

// 数据库门面的操作名
const (
	OpIsDetectionEnabled             = "isDetectionEnabled"
	OpIsDetectionEnabledEffective    = "isDetectionEnabledEffective"
	OpInsertDetection                = "insertDetection"
	OpToggleDetectionEnabled         = "toggleDetectionEnabled"
	OpEnableAllDetectionsForPackage  = "enableAllDetectionsForPackage"
	OpDisableAllDetectionsForPackage = "disableAllDetectionsForPackage"
	OpInitializePackage              = "initializePackage"
	OpDeletePackage                  = "deletePackage"
	OpGetPackageInfo                 = "getPackageInfo"
	OpListPackageInfos               = "listPackageInfos"
	OpListPackageInfosByUser         = "listPackageInfosByUser"
	OpListDetections                 = "listDetections"
	OpClearAllData                   = "clearAllData"
	OpIsGlobalDetectionEnabled       = "isGlobalDetectionEnabled"
	OpInsertGlobalDetection          = "insertGlobalDetection"
	OpToggleGlobalDetectionEnabled   = "toggleGlobalDetectionEnabled"
	OpListGlobalDetections           = "listGlobalDetections"
)

// 订阅流
const (
	StreamDetection = "detection"
	StreamPackage   = "package"
	StreamPackages  = "packages"
	StreamGlobal    = "global"
)

// ProviderCall provider call 请求体
type ProviderCall struct {
	Method string `json:"method"`
}

// ServiceBundle provider call 的返回
type ServiceBundle struct {
	Service string `json:"service"`
}

// DatabaseRequest 数据库门面请求，按操作使用其中的字段
type DatabaseRequest struct {
	PackageName string `json:"package_name,omitempty"`
	UserID      int    `json:"user_id"`
	MethodName  string `json:"method_name,omitempty"`
	AppID       int    `json:"app_id,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// NotifyRequest 系统门面 notifySettingChange 请求
type NotifyRequest struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

// Response 统一响应
type Response struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Frame 订阅推送帧
type Frame struct {
	Value json.RawMessage `json:"value"`
}
