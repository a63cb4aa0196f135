package service

import (
	"context"

	"github.com/notdeveloper/notdeveloper-go/internal/datastore"
	"github.com/notdeveloper/notdeveloper-go/internal/domain"
	"github.com/notdeveloper/notdeveloper-go/internal/ipc"
	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/notdeveloper/notdeveloper-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// ErrUnknownMethod 服务不支持的调用，与客户端看到的错误相同
var ErrUnknownMethod = ipc.ErrUnknownMethod

// DetectionKey 单个检测开关的定位
type DetectionKey struct {
	PackageName string `json:"package_name"`
	UserID      int    `json:"user_id"`
	MethodName  string `json:"method_name"`
}

// Propagator 写入后通知运行中的应用
type Propagator interface {
	NotifyAsync(targetPackage, methodKey string)
}

// DatabaseService 对外暴露的检测配置门面
type DatabaseService struct {
	repo       repository.DetectionRepository
	useGlobal  *datastore.Store[datastore.UseGlobalPreferences]
	propagator Propagator
	methods    []string
	metrics    *middleware.PrometheusMetrics
	logger     *logrus.Logger

	detections *Multiplexer[DetectionKey, bool]
	packages   *Multiplexer[string, []domain.PackageInfo]
	users      *Multiplexer[int, []domain.PackageInfo]
	globals    *Multiplexer[string, bool]
}

// NewDatabaseService 创建门面；useGlobal 和 propagator 可以为 nil
func NewDatabaseService(
	repo repository.DetectionRepository,
	useGlobal *datastore.Store[datastore.UseGlobalPreferences],
	propagator Propagator,
	methods []string,
	metrics *middleware.PrometheusMetrics,
	logger *logrus.Logger,
) *DatabaseService {
	return &DatabaseService{
		repo:       repo,
		useGlobal:  useGlobal,
		propagator: propagator,
		methods:    append([]string(nil), methods...),
		metrics:    metrics,
		logger:     logger,
		detections: NewMultiplexer("detection", func(ctx context.Context, k DetectionKey) <-chan bool {
			return repo.IsDetectionEnabledFlow(ctx, k.PackageName, k.UserID, k.MethodName)
		}, metrics, logger),
		packages: NewMultiplexer("package", func(ctx context.Context, pkg string) <-chan []domain.PackageInfo {
			return repo.GetPackageInfoFlow(ctx, pkg)
		}, metrics, logger),
		users: NewMultiplexer("packages", func(ctx context.Context, userID int) <-chan []domain.PackageInfo {
			return repo.GetPackageInfosFlow(ctx, userID)
		}, metrics, logger),
		globals: NewMultiplexer("global", func(ctx context.Context, method string) <-chan bool {
			return repo.IsGlobalDetectionEnabledFlow(ctx, method)
		}, metrics, logger),
	}
}

func (s *DatabaseService) record(op string, err error) {
	s.metrics.RecordIPCCall(op, err)
	if err != nil {
		s.logger.WithError(err).WithField("operation", op).Warn("Database service call failed")
	}
}

func (s *DatabaseService) propagate(packageName string, methods ...string) {
	if s.propagator == nil {
		return
	}
	for _, m := range methods {
		s.propagator.NotifyAsync(packageName, m)
	}
}

func (s *DatabaseService) IsDetectionEnabled(ctx context.Context, packageName string, userID int, methodName string) (bool, error) {
	v, err := s.repo.IsDetectionEnabled(ctx, packageName, userID, methodName)
	s.record("isDetectionEnabled", err)
	return v, err
}

// IsDetectionEnabledEffective 按“全局偏好”开关决定读取全局表还是包级表
func (s *DatabaseService) IsDetectionEnabledEffective(ctx context.Context, packageName string, userID int, methodName string) (bool, error) {
	if s.useGlobal != nil && s.useGlobal.Load().Enabled {
		v, err := s.repo.IsGlobalDetectionEnabled(ctx, methodName)
		s.record("isDetectionEnabledEffective", err)
		return v, err
	}
	v, err := s.repo.IsDetectionEnabled(ctx, packageName, userID, methodName)
	s.record("isDetectionEnabledEffective", err)
	return v, err
}

func (s *DatabaseService) InsertDetection(ctx context.Context, packageName string, userID int, methodName string, enabled bool) error {
	err := s.repo.InsertDetection(ctx, packageName, userID, methodName, enabled)
	s.record("insertDetection", err)
	if err == nil {
		s.propagate(packageName, methodName)
	}
	return err
}

func (s *DatabaseService) ToggleDetectionEnabled(ctx context.Context, packageName string, userID int, methodName string) (bool, error) {
	v, err := s.repo.ToggleDetectionEnabled(ctx, packageName, userID, methodName)
	s.record("toggleDetectionEnabled", err)
	if err == nil {
		s.propagate(packageName, methodName)
	}
	return v, err
}

func (s *DatabaseService) EnableAllDetectionsForPackage(ctx context.Context, packageName string, userID int) error {
	err := s.repo.EnableAllDetectionsForPackage(ctx, packageName, userID)
	s.record("enableAllDetectionsForPackage", err)
	if err == nil {
		s.propagate(packageName, s.methods...)
	}
	return err
}

func (s *DatabaseService) DisableAllDetectionsForPackage(ctx context.Context, packageName string, userID int) error {
	err := s.repo.DisableAllDetectionsForPackage(ctx, packageName, userID)
	s.record("disableAllDetectionsForPackage", err)
	if err == nil {
		s.propagate(packageName, s.methods...)
	}
	return err
}

func (s *DatabaseService) InitializePackage(ctx context.Context, packageName string, userID int, appID int) error {
	err := s.repo.InitializePackage(ctx, packageName, userID, appID)
	s.record("initializePackage", err)
	if err == nil {
		s.propagate(packageName, s.methods...)
	}
	return err
}

func (s *DatabaseService) DeletePackage(ctx context.Context, packageName string, userID int) error {
	err := s.repo.DeletePackage(ctx, packageName, userID)
	s.record("deletePackage", err)
	if err == nil {
		s.propagate(packageName, s.methods...)
	}
	return err
}

func (s *DatabaseService) GetPackageInfo(ctx context.Context, packageName string, userID int) (*domain.PackageInfo, error) {
	info, err := s.repo.GetPackageInfo(ctx, packageName, userID)
	s.record("getPackageInfo", err)
	return info, err
}

func (s *DatabaseService) ListPackageInfos(ctx context.Context, packageName string) ([]domain.PackageInfo, error) {
	infos, err := s.repo.ListPackageInfos(ctx, packageName)
	s.record("listPackageInfos", err)
	return infos, err
}

func (s *DatabaseService) ListPackageInfosByUser(ctx context.Context, userID int) ([]domain.PackageInfo, error) {
	infos, err := s.repo.ListPackageInfosByUser(ctx, userID)
	s.record("listPackageInfosByUser", err)
	return infos, err
}

func (s *DatabaseService) ListDetections(ctx context.Context) ([]domain.Detection, error) {
	list, err := s.repo.ListDetections(ctx)
	s.record("listDetections", err)
	return list, err
}

func (s *DatabaseService) ClearAllData(ctx context.Context) error {
	err := s.repo.ClearAllData(ctx)
	s.record("clearAllData", err)
	return err
}

func (s *DatabaseService) IsGlobalDetectionEnabled(ctx context.Context, methodName string) (bool, error) {
	v, err := s.repo.IsGlobalDetectionEnabled(ctx, methodName)
	s.record("isGlobalDetectionEnabled", err)
	return v, err
}

func (s *DatabaseService) InsertGlobalDetection(ctx context.Context, methodName string, enabled bool) error {
	err := s.repo.InsertGlobalDetection(ctx, methodName, enabled)
	s.record("insertGlobalDetection", err)
	return err
}

func (s *DatabaseService) ToggleGlobalDetectionEnabled(ctx context.Context, methodName string) (bool, error) {
	v, err := s.repo.ToggleGlobalDetectionEnabled(ctx, methodName)
	s.record("toggleGlobalDetectionEnabled", err)
	return v, err
}

func (s *DatabaseService) ListGlobalDetections(ctx context.Context) ([]domain.GlobalDetection, error) {
	list, err := s.repo.ListGlobalDetections(ctx)
	s.record("listGlobalDetections", err)
	return list, err
}

// ListenDetection 订阅单个开关，返回取消函数
func (s *DatabaseService) ListenDetection(key DetectionKey, fn Listener[bool]) func() {
	return s.detections.Add(key, fn)
}

// ListenPackage 订阅某包在所有用户下的记录
func (s *DatabaseService) ListenPackage(packageName string, fn Listener[[]domain.PackageInfo]) func() {
	return s.packages.Add(packageName, fn)
}

// ListenPackages 订阅某用户下的全部包
func (s *DatabaseService) ListenPackages(userID int, fn Listener[[]domain.PackageInfo]) func() {
	return s.users.Add(userID, fn)
}

// ListenGlobal 订阅全局开关
func (s *DatabaseService) ListenGlobal(methodName string, fn Listener[bool]) func() {
	return s.globals.Add(methodName, fn)
}

// ListenersFor 单个开关上的监听者数量
func (s *DatabaseService) ListenersFor(key DetectionKey) int {
	return s.detections.Listeners(key)
}

// Close 关闭全部订阅
func (s *DatabaseService) Close() {
	s.detections.Close()
	s.packages.Close()
	s.users.Close()
	s.globals.Close()
}
