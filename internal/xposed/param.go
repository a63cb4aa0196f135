package xposed

// Param 一次方法调用的上下文
type Param struct {
	Method     Member
	ThisObject any
	Args       []any

	result      any
	throwable   error
	returnEarly bool
}

// Result 当前返回值
func (p *Param) Result() any {
	return p.result
}

// SetResult 设置返回值，在 Before 中调用会跳过原方法
func (p *Param) SetResult(v any) {
	p.result = v
	p.throwable = nil
	p.returnEarly = true
}

// Throwable 当前错误
func (p *Param) Throwable() error {
	return p.throwable
}

// HasThrowable 是否有错误
func (p *Param) HasThrowable() bool {
	return p.throwable != nil
}

// SetThrowable 以错误结束调用
func (p *Param) SetThrowable(err error) {
	p.throwable = err
	p.result = nil
	p.returnEarly = true
}

// ArgString 取字符串参数，类型不符时返回空串
func (p *Param) ArgString(i int) string {
	if i < 0 || i >= len(p.Args) {
		return ""
	}
	s, _ := p.Args[i].(string)
	return s
}

// ArgInt 取整数参数
func (p *Param) ArgInt(i int) (int, bool) {
	if i < 0 || i >= len(p.Args) {
		return 0, false
	}
	switch v := p.Args[i].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	}
	return 0, false
}
