// Package broadcast 进程间的单向广播：按 action 和目标包投递 Intent。
package broadcast

import (
	"context"
	"errors"
	"strconv"
)

// ErrBusClosed 总线已关闭
var ErrBusClosed = errors.New("broadcast bus closed")

// Intent 一条广播
type Intent struct {
	Action string `json:"action"`
	// Package 目标包，为空时投递给所有匹配 action 的接收者
	Package string            `json:"package,omitempty"`
	Extras  map[string]string `json:"extras,omitempty"`
}

// NewIntent 创建 Intent
func NewIntent(action, pkg string) Intent {
	return Intent{Action: action, Package: pkg, Extras: make(map[string]string)}
}

// With 追加 extra
func (i Intent) With(key, value string) Intent {
	if i.Extras == nil {
		i.Extras = make(map[string]string)
	}
	i.Extras[key] = value
	return i
}

// WithInt 追加整数 extra
func (i Intent) WithInt(key string, value int) Intent {
	return i.With(key, strconv.Itoa(value))
}

// Extra 读取 extra
func (i Intent) Extra(key string) (string, bool) {
	v, ok := i.Extras[key]
	return v, ok
}

// IntExtra 读取整数 extra
func (i Intent) IntExtra(key string) (int, bool) {
	v, ok := i.Extras[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IntentFilter 接收条件：action 必须一致，Package 为接收者所在包
type IntentFilter struct {
	Action  string
	Package string
}

// Matches 判断 Intent 是否投递给该接收者
func (f IntentFilter) Matches(i Intent) bool {
	if f.Action != i.Action {
		return false
	}
	return i.Package == "" || i.Package == f.Package
}

// Receiver 广播接收函数
type Receiver func(ctx context.Context, intent Intent)

// Registration 已注册的接收者，Unregister 可重复调用
type Registration interface {
	Unregister()
}

// Bus 广播总线
type Bus interface {
	Send(ctx context.Context, intent Intent) error
	Register(filter IntentFilter, receiver Receiver) (Registration, error)
	// 当前注册的接收者数量
	ReceiverCount() int
	Close() error
}
