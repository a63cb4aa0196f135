package service

import (
	"context"
	"fmt"

	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/notdeveloper/notdeveloper-go/internal/platform"
	"github.com/sirupsen/logrus"
)

// SystemService 平台信息门面
type SystemService struct {
	platform platform.Platform
	metrics  *middleware.PrometheusMetrics
	logger   *logrus.Logger
}

func NewSystemService(p platform.Platform, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) *SystemService {
	return &SystemService{platform: p, metrics: metrics, logger: logger}
}

// QueryApps 列出用户已安装应用
func (s *SystemService) QueryApps(ctx context.Context, userID int) ([]platform.ApplicationInfo, error) {
	apps, err := s.platform.ListApplications(ctx, userID)
	s.metrics.RecordIPCCall("queryApps", err)
	if err != nil {
		return nil, fmt.Errorf("query apps for user %d: %w", userID, err)
	}
	return apps, nil
}

// Users 列出设备用户
func (s *SystemService) Users(ctx context.Context) ([]platform.UserInfo, error) {
	users, err := s.platform.ListUsers(ctx)
	s.metrics.RecordIPCCall("users", err)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// NotifySettingChange 让系统重新派发设置项变更，nsType 为协议中的命名空间值
func (s *SystemService) NotifySettingChange(ctx context.Context, name string, nsType int) error {
	ns, err := platform.ParseNamespace(nsType)
	if err != nil {
		s.metrics.RecordIPCCall("notifySettingChange", err)
		return err
	}

	err = s.platform.NotifySettingChange(ctx, ns, name)
	s.metrics.RecordIPCCall("notifySettingChange", err)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"name":      name,
			"namespace": ns,
		}).Warn("Failed to notify setting change")
		return err
	}
	return nil
}
