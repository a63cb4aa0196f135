package service

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// VerbGet provider call 中获取服务句柄的方法名
const VerbGet = "GET"

// ErrCallerNotAllowed 调用方不在白名单
var ErrCallerNotAllowed = errors.New("caller not allowed")

// Service 一个句柄背后的两组门面
type Service struct {
	Database *DatabaseService
	System   *SystemService
}

// Provider 向白名单调用方发放服务句柄
type Provider struct {
	service *Service
	handle  string
	allowed []string
	logger  *logrus.Logger
}

// NewProvider 创建 provider，句柄在进程生命周期内不变
func NewProvider(svc *Service, allowed []string, logger *logrus.Logger) *Provider {
	return &Provider{
		service: svc,
		handle:  uuid.NewString(),
		allowed: append([]string(nil), allowed...),
		logger:  logger,
	}
}

// Call 处理 provider call；未知方法返回 ErrUnknownMethod
func (p *Provider) Call(caller, method string) (string, error) {
	if method != VerbGet {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if !slices.Contains(p.allowed, caller) {
		p.logger.WithField("caller", caller).Warn("Rejected service request from unlisted caller")
		return "", fmt.Errorf("%w: %q", ErrCallerNotAllowed, caller)
	}
	return p.handle, nil
}

// Resolve 按句柄取服务
func (p *Provider) Resolve(handle string) (*Service, bool) {
	if handle == "" || handle != p.handle {
		return nil, false
	}
	return p.service, true
}

// Handle 当前句柄
func (p *Provider) Handle() string {
	return p.handle
}
