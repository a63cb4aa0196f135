package sysapi

import "github.com/notdeveloper/notdeveloper-go/internal/xposed"

// MethodIsModuleActivated 配置应用自检方法
const MethodIsModuleActivated = "isModuleActivated"

// StatusClass 配置应用内自检类名
func StatusClass(appPackage string) string {
	return appPackage + ".xposed.ModuleStatus"
}

// DefineModuleStatus 注册自检方法，未被 hook 时返回 false
func DefineModuleStatus(bridge *xposed.Bridge, appPackage string) xposed.Member {
	return bridge.Define(StatusClass(appPackage), MethodIsModuleActivated, nil, func(any, []any) (any, error) {
		return false, nil
	})
}

// IsModuleActivated 在配置应用进程内查询模块是否生效
func IsModuleActivated(bridge *xposed.Bridge, appPackage string) bool {
	m, err := bridge.FindMethod(StatusClass(appPackage), MethodIsModuleActivated)
	if err != nil {
		return false
	}
	v, err := bridge.Invoke(m, nil)
	if err != nil {
		return false
	}
	active, _ := v.(bool)
	return active
}
