package platform

import (
	"context"
	"sort"
	"sync"
)

// SettingObserver ContentObserver 的等价物
type SettingObserver func(ns Namespace, key string)

type settingKey struct {
	ns     Namespace
	key    string
	userID int
}

// Memory 内存平台实现，用于测试和本地模拟
type Memory struct {
	mu         sync.RWMutex
	settings   map[settingKey]string
	props      map[string]string
	users      []UserInfo
	apps       map[int][]ApplicationInfo
	observers  map[int]SettingObserver
	nextID     int
	notified   []string
	notifyHook func(ns Namespace, key string) error
}

// NewMemory 创建内存平台，默认包含用户 0
func NewMemory() *Memory {
	return &Memory{
		settings:  make(map[settingKey]string),
		props:     make(map[string]string),
		users:     []UserInfo{{ID: 0, Name: "Owner", Flags: 0x13}},
		apps:      make(map[int][]ApplicationInfo),
		observers: make(map[int]SettingObserver),
	}
}

// PutSetting 写入设置项并通知观察者
func (m *Memory) PutSetting(ns Namespace, key string, userID int, value string) {
	m.mu.Lock()
	m.settings[settingKey{ns, key, userID}] = value
	m.mu.Unlock()
	m.dispatch(ns, key)
}

// SetProperty 写入系统属性
func (m *Memory) SetProperty(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.props[key] = value
}

// AddUser 添加用户
func (m *Memory) AddUser(u UserInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, u)
}

// InstallApp 安装应用
func (m *Memory) InstallApp(packageName string, userID, appID int) ApplicationInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	app := ApplicationInfo{
		PackageName: packageName,
		UID:         UID(userID, appID),
		UserID:      userID,
		AppID:       appID,
	}
	m.apps[userID] = append(m.apps[userID], app)
	return app
}

// RegisterObserver 注册设置变更观察者，返回注销函数
func (m *Memory) RegisterObserver(obs SettingObserver) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = obs
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// SetNotifyHook 替换 NotifySettingChange 的行为
func (m *Memory) SetNotifyHook(fn func(ns Namespace, key string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyHook = fn
}

// Notified 返回已重新派发过的设置项（ns/key）
func (m *Memory) Notified() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.notified...)
}

func (m *Memory) GetSetting(_ context.Context, ns Namespace, key string, userID int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.settings[settingKey{ns, key, userID}]; ok {
		return v, nil
	}
	// Global 命名空间不区分用户
	if ns == NamespaceGlobal {
		if v, ok := m.settings[settingKey{ns, key, 0}]; ok {
			return v, nil
		}
	}
	return "", ErrSettingNotFound
}

func (m *Memory) GetProperty(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.props[key], nil
}

func (m *Memory) ListUsers(_ context.Context) ([]UserInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]UserInfo(nil), m.users...), nil
}

func (m *Memory) ListApplications(_ context.Context, userID int) ([]ApplicationInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	apps := append([]ApplicationInfo(nil), m.apps[userID]...)
	sort.Slice(apps, func(i, j int) bool { return apps[i].PackageName < apps[j].PackageName })
	return apps, nil
}

func (m *Memory) NotifySettingChange(_ context.Context, ns Namespace, key string) error {
	m.mu.Lock()
	hook := m.notifyHook
	m.notified = append(m.notified, ns.String()+"/"+key)
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ns, key); err != nil {
			return err
		}
	}
	m.dispatch(ns, key)
	return nil
}

func (m *Memory) dispatch(ns Namespace, key string) {
	m.mu.RLock()
	observers := make([]SettingObserver, 0, len(m.observers))
	for _, obs := range m.observers {
		observers = append(observers, obs)
	}
	m.mu.RUnlock()

	for _, obs := range observers {
		obs(ns, key)
	}
}
