package xposed

import "fmt"

// LoadPackageParam 应用进程加载时的参数
type LoadPackageParam struct {
	PackageName string
	ProcessName string
	UID         int
	Bridge      *Bridge
}

// Module 框架模块入口
type Module interface {
	HandleLoadPackage(lp *LoadPackageParam) error
}

// ModuleFunc 函数形式的模块
type ModuleFunc func(lp *LoadPackageParam) error

func (f ModuleFunc) HandleLoadPackage(lp *LoadPackageParam) error {
	return f(lp)
}

// LoadPackage 依次交给每个模块，单个模块失败只记录日志
func LoadPackage(lp *LoadPackageParam, modules ...Module) {
	for _, m := range modules {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lp.Bridge.Log(fmt.Sprintf("module panicked in %s: %v", lp.PackageName, r))
				}
			}()
			if err := m.HandleLoadPackage(lp); err != nil {
				lp.Bridge.Log(fmt.Sprintf("module failed in %s: %v", lp.PackageName, err))
			}
		}()
	}
}
