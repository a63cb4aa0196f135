package xposed

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrClassNotFound = errors.New("class not found")
	ErrNoSuchMethod  = errors.New("no such method")
)

// Member 方法签名
type Member struct {
	Class  string
	Name   string
	Params []string
}

func (m Member) key() string {
	return m.Name + "(" + strings.Join(m.Params, ",") + ")"
}

func (m Member) String() string {
	return m.Class + "#" + m.key()
}

// Invoker 方法的原始实现
type Invoker func(thisObject any, args []any) (any, error)

// MethodHook 挂在方法前后的回调，Before 里设置结果会跳过原方法
type MethodHook struct {
	Before func(p *Param)
	After  func(p *Param)
}

// Unhook 移除已安装的 hook
type Unhook func()

type hookEntry struct {
	id   int
	hook MethodHook
}

type method struct {
	member   Member
	original Invoker
	hooks    []hookEntry
}

// Bridge 进程内的方法表：保存原始实现和链式 hook
type Bridge struct {
	mu      sync.RWMutex
	classes map[string]map[string]*method
	nextID  int

	logMu sync.Mutex
	logs  []string
	sink  func(string)
}

// NewBridge 创建空方法表
func NewBridge() *Bridge {
	return &Bridge{classes: make(map[string]map[string]*method)}
}

// Define 注册方法的原始实现，同一签名重复定义会覆盖实现但保留 hook
func (b *Bridge) Define(class, name string, params []string, impl Invoker) Member {
	m := Member{Class: class, Name: name, Params: append([]string(nil), params...)}

	b.mu.Lock()
	defer b.mu.Unlock()

	methods, ok := b.classes[class]
	if !ok {
		methods = make(map[string]*method)
		b.classes[class] = methods
	}
	if existing, ok := methods[m.key()]; ok {
		existing.original = impl
		return m
	}
	methods[m.key()] = &method{member: m, original: impl}
	return m
}

// FindClass 检查类是否存在
func (b *Bridge) FindClass(class string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, ok := b.classes[class]; !ok {
		return fmt.Errorf("%w: %s", ErrClassNotFound, class)
	}
	return nil
}

// FindMethod 按精确签名查找方法
func (b *Bridge) FindMethod(class, name string, params ...string) (Member, error) {
	m := Member{Class: class, Name: name, Params: params}

	b.mu.RLock()
	defer b.mu.RUnlock()

	methods, ok := b.classes[class]
	if !ok {
		return Member{}, fmt.Errorf("%w: %s", ErrClassNotFound, class)
	}
	found, ok := methods[m.key()]
	if !ok {
		return Member{}, fmt.Errorf("%w: %s", ErrNoSuchMethod, m)
	}
	return found.member, nil
}

// HookMethod 在方法上追加 hook
func (b *Bridge) HookMethod(m Member, hook MethodHook) (Unhook, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	target, err := b.lookup(m)
	if err != nil {
		return nil, err
	}

	id := b.nextID
	b.nextID++
	target.hooks = append(target.hooks, hookEntry{id: id, hook: hook})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			hooks := target.hooks[:0:0]
			for _, h := range target.hooks {
				if h.id != id {
					hooks = append(hooks, h)
				}
			}
			target.hooks = hooks
		})
	}, nil
}

// FindAndHookMethod 查找并 hook
func (b *Bridge) FindAndHookMethod(class, name string, params []string, hook MethodHook) (Unhook, error) {
	m, err := b.FindMethod(class, name, params...)
	if err != nil {
		return nil, err
	}
	return b.HookMethod(m, hook)
}

// HookCount 方法上的 hook 数量
func (b *Bridge) HookCount(m Member) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	target, err := b.lookup(m)
	if err != nil {
		return 0
	}
	return len(target.hooks)
}

func (b *Bridge) lookup(m Member) (*method, error) {
	methods, ok := b.classes[m.Class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, m.Class)
	}
	target, ok := methods[m.key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchMethod, m)
	}
	return target, nil
}

// Invoke 调用方法，经过全部 hook。
// Before 按安装顺序执行，After 逆序执行；回调 panic 会被记录并忽略。
func (b *Bridge) Invoke(m Member, thisObject any, args ...any) (any, error) {
	b.mu.RLock()
	target, err := b.lookup(m)
	if err != nil {
		b.mu.RUnlock()
		return nil, err
	}
	original := target.original
	hooks := append([]hookEntry(nil), target.hooks...)
	b.mu.RUnlock()

	p := &Param{Method: target.member, ThisObject: thisObject, Args: args}

	ran := 0
	for _, h := range hooks {
		ran++
		if h.hook.Before == nil {
			continue
		}
		b.safeCall(m, "before", func() { h.hook.Before(p) })
		if p.returnEarly {
			break
		}
	}

	if !p.returnEarly {
		p.result, p.throwable = original(thisObject, p.Args)
	}

	for i := ran - 1; i >= 0; i-- {
		after := hooks[i].hook.After
		if after == nil {
			continue
		}
		result, throwable := p.result, p.throwable
		if !b.safeCall(m, "after", func() { after(p) }) {
			// 出错的回调不影响调用结果
			p.result, p.throwable = result, throwable
		}
	}

	return p.result, p.throwable
}

// InvokeOriginal 跳过 hook 直接调用原始实现
func (b *Bridge) InvokeOriginal(m Member, thisObject any, args ...any) (any, error) {
	b.mu.RLock()
	target, err := b.lookup(m)
	if err != nil {
		b.mu.RUnlock()
		return nil, err
	}
	original := target.original
	b.mu.RUnlock()

	return original(thisObject, args)
}

func (b *Bridge) safeCall(m Member, phase string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.Log(fmt.Sprintf("hook %s of %s panicked: %v", phase, m, r))
			ok = false
		}
	}()
	fn()
	return true
}

// SetLogSink 额外的日志出口
func (b *Bridge) SetLogSink(sink func(string)) {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	b.sink = sink
}

// Log 写入框架日志
func (b *Bridge) Log(message string) {
	b.logMu.Lock()
	b.logs = append(b.logs, message)
	sink := b.sink
	b.logMu.Unlock()

	if sink != nil {
		sink(message)
	}
}

// Logs 已写入的日志
func (b *Bridge) Logs() []string {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	return append([]string(nil), b.logs...)
}
