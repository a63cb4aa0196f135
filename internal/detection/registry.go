package detection

import (
	"fmt"

	"github.com/notdeveloper/notdeveloper-go/internal/platform"
)

// Category 一组检测方法
type Category struct {
	Name    string
	Methods []Method
}

// Registry 检测方法目录，构造后只读
type Registry struct {
	categories []Category
	methods    []Method
	byKey      map[string]Method
}

// New 创建目录，preference key 必须全局唯一
func New(categories ...Category) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Method)}

	for _, c := range categories {
		cat := Category{Name: c.Name, Methods: make([]Method, 0, len(c.Methods))}
		for _, m := range c.Methods {
			if m.Key == "" {
				return nil, fmt.Errorf("category %q: method with empty key", c.Name)
			}
			if _, dup := r.byKey[m.Key]; dup {
				return nil, fmt.Errorf("duplicate detection method key %q", m.Key)
			}
			m.Category = c.Name
			r.byKey[m.Key] = m
			r.methods = append(r.methods, m)
			cat.Methods = append(cat.Methods, m)
		}
		r.categories = append(r.categories, cat)
	}

	return r, nil
}

// Lookup 按 preference key 查找
func (r *Registry) Lookup(key string) (Method, bool) {
	m, ok := r.byKey[key]
	return m, ok
}

// MustLookup 按 preference key 查找，找不到说明版本不一致，直接 panic
func (r *Registry) MustLookup(key string) Method {
	m, ok := r.byKey[key]
	if !ok {
		panic(fmt.Sprintf("detection method %q is not registered", key))
	}
	return m
}

// AllMethods 按定义顺序返回全部方法
func (r *Registry) AllMethods() []Method {
	return append([]Method(nil), r.methods...)
}

// Keys 按定义顺序返回全部 preference key
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.methods))
	for i, m := range r.methods {
		keys[i] = m.Key
	}
	return keys
}

// Categories 返回全部分组
func (r *Registry) Categories() []Category {
	return append([]Category(nil), r.categories...)
}

// 分组名称
const (
	CategoryDevelopmentMode   = "Development Mode"
	CategoryUSBDebugging      = "USB Debugging"
	CategoryWirelessDebugging = "Wireless Debugging"
)

// DefaultCategories 内置的检测方法
func DefaultCategories() []Category {
	return []Category{
		{
			Name: CategoryDevelopmentMode,
			Methods: []Method{
				Settings(platform.NamespaceGlobal, "development_settings_enabled", "development_settings_enabled"),
			},
		},
		{
			Name: CategoryUSBDebugging,
			Methods: []Method{
				Settings(platform.NamespaceGlobal, "adb_enabled", "adb_enabled"),
				SystemProperty("sys.usb.ffs.ready", "0", "sys_usb_ffs_ready"),
				SystemProperty("sys.usb.config", "mtp", "sys_usb_config"),
				SystemProperty("sys.usb.state", "mtp", "sys_usb_state"),
				SystemProperty("persist.sys.usb.config", "mtp", "persist_sys_usb_config"),
				SystemProperty("init.svc.adbd", "stopped", "init_svc_adbd"),
			},
		},
		{
			Name: CategoryWirelessDebugging,
			Methods: []Method{
				Settings(platform.NamespaceGlobal, "adb_wifi_enabled", "adb_wifi_enabled"),
				SystemProperty("service.adb.tcp.port", "-1", "service_adb_tcp_port"),
			},
		},
	}
}

// Default 返回内置目录
func Default() *Registry {
	r, err := New(DefaultCategories()...)
	if err != nil {
		panic(err)
	}
	return r
}
