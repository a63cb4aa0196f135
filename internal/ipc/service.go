package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/notdeveloper/notdeveloper-go/internal/domain"
	"github.com/notdeveloper/notdeveloper-go/internal/platform"
	"github.com/sirupsen/logrus"
)

// Service 远端服务的类型化代理
type Service struct {
	t      *transport
	handle string
}

// Unlisten 取消订阅，可重复调用
type Unlisten func()

// Handle 服务句柄
func (s *Service) Handle() string {
	return s.handle
}

// readOps 只读操作，传输失败时可以重试
var readOps = map[string]bool{
	OpIsDetectionEnabled:          true,
	OpIsDetectionEnabledEffective: true,
	OpGetPackageInfo:              true,
	OpListPackageInfos:            true,
	OpListPackageInfosByUser:      true,
	OpListDetections:              true,
	OpIsGlobalDetectionEnabled:    true,
	OpListGlobalDetections:        true,
}

func (s *Service) database(ctx context.Context, op string, req DatabaseRequest, out any) error {
	path := "/binder/" + url.PathEscape(s.handle) + "/database/" + op
	if readOps[op] {
		return translate(s.t.callRetry(ctx, op, http.MethodPost, path, req, out))
	}
	return translate(s.t.callOnce(ctx, op, http.MethodPost, path, req, out))
}

func (s *Service) IsDetectionEnabled(ctx context.Context, packageName string, userID int, methodName string) (bool, error) {
	var v bool
	err := s.database(ctx, OpIsDetectionEnabled, DatabaseRequest{PackageName: packageName, UserID: userID, MethodName: methodName}, &v)
	return v, err
}

// IsDetectionEnabledEffective 同时考虑“全局偏好”开关
func (s *Service) IsDetectionEnabledEffective(ctx context.Context, packageName string, userID int, methodName string) (bool, error) {
	var v bool
	err := s.database(ctx, OpIsDetectionEnabledEffective, DatabaseRequest{PackageName: packageName, UserID: userID, MethodName: methodName}, &v)
	return v, err
}

func (s *Service) InsertDetection(ctx context.Context, packageName string, userID int, methodName string, enabled bool) error {
	return s.database(ctx, OpInsertDetection, DatabaseRequest{PackageName: packageName, UserID: userID, MethodName: methodName, Enabled: &enabled}, nil)
}

func (s *Service) ToggleDetectionEnabled(ctx context.Context, packageName string, userID int, methodName string) (bool, error) {
	var v bool
	err := s.database(ctx, OpToggleDetectionEnabled, DatabaseRequest{PackageName: packageName, UserID: userID, MethodName: methodName}, &v)
	return v, err
}

func (s *Service) EnableAllDetectionsForPackage(ctx context.Context, packageName string, userID int) error {
	return s.database(ctx, OpEnableAllDetectionsForPackage, DatabaseRequest{PackageName: packageName, UserID: userID}, nil)
}

func (s *Service) DisableAllDetectionsForPackage(ctx context.Context, packageName string, userID int) error {
	return s.database(ctx, OpDisableAllDetectionsForPackage, DatabaseRequest{PackageName: packageName, UserID: userID}, nil)
}

func (s *Service) InitializePackage(ctx context.Context, packageName string, userID int, appID int) error {
	return s.database(ctx, OpInitializePackage, DatabaseRequest{PackageName: packageName, UserID: userID, AppID: appID}, nil)
}

func (s *Service) DeletePackage(ctx context.Context, packageName string, userID int) error {
	return s.database(ctx, OpDeletePackage, DatabaseRequest{PackageName: packageName, UserID: userID}, nil)
}

// GetPackageInfo 不存在时返回 nil
func (s *Service) GetPackageInfo(ctx context.Context, packageName string, userID int) (*domain.PackageInfo, error) {
	var info *domain.PackageInfo
	err := s.database(ctx, OpGetPackageInfo, DatabaseRequest{PackageName: packageName, UserID: userID}, &info)
	return info, err
}

func (s *Service) ListPackageInfos(ctx context.Context, packageName string) ([]domain.PackageInfo, error) {
	var infos []domain.PackageInfo
	err := s.database(ctx, OpListPackageInfos, DatabaseRequest{PackageName: packageName}, &infos)
	return infos, err
}

func (s *Service) ListPackageInfosByUser(ctx context.Context, userID int) ([]domain.PackageInfo, error) {
	var infos []domain.PackageInfo
	err := s.database(ctx, OpListPackageInfosByUser, DatabaseRequest{UserID: userID}, &infos)
	return infos, err
}

func (s *Service) ListDetections(ctx context.Context) ([]domain.Detection, error) {
	var list []domain.Detection
	err := s.database(ctx, OpListDetections, DatabaseRequest{}, &list)
	return list, err
}

func (s *Service) ClearAllData(ctx context.Context) error {
	return s.database(ctx, OpClearAllData, DatabaseRequest{}, nil)
}

func (s *Service) IsGlobalDetectionEnabled(ctx context.Context, methodName string) (bool, error) {
	var v bool
	err := s.database(ctx, OpIsGlobalDetectionEnabled, DatabaseRequest{MethodName: methodName}, &v)
	return v, err
}

func (s *Service) InsertGlobalDetection(ctx context.Context, methodName string, enabled bool) error {
	return s.database(ctx, OpInsertGlobalDetection, DatabaseRequest{MethodName: methodName, Enabled: &enabled}, nil)
}

func (s *Service) ToggleGlobalDetectionEnabled(ctx context.Context, methodName string) (bool, error) {
	var v bool
	err := s.database(ctx, OpToggleGlobalDetectionEnabled, DatabaseRequest{MethodName: methodName}, &v)
	return v, err
}

func (s *Service) ListGlobalDetections(ctx context.Context) ([]domain.GlobalDetection, error) {
	var list []domain.GlobalDetection
	err := s.database(ctx, OpListGlobalDetections, DatabaseRequest{}, &list)
	return list, err
}

// QueryApps 系统门面：列出用户已安装应用
func (s *Service) QueryApps(ctx context.Context, userID int) ([]platform.ApplicationInfo, error) {
	var apps []platform.ApplicationInfo
	path := "/binder/" + url.PathEscape(s.handle) + "/system/apps?user=" + strconv.Itoa(userID)
	err := s.t.callRetry(ctx, "queryApps", http.MethodGet, path, nil, &apps)
	return apps, translate(err)
}

// Users 系统门面：列出设备用户
func (s *Service) Users(ctx context.Context) ([]platform.UserInfo, error) {
	var users []platform.UserInfo
	path := "/binder/" + url.PathEscape(s.handle) + "/system/users"
	err := s.t.callRetry(ctx, "users", http.MethodGet, path, nil, &users)
	return users, translate(err)
}

// NotifySettingChange 系统门面：重新派发设置项变更
func (s *Service) NotifySettingChange(ctx context.Context, name string, ns platform.Namespace) error {
	path := "/binder/" + url.PathEscape(s.handle) + "/system/notifySettingChange"
	err := s.t.callOnce(ctx, "notifySettingChange", http.MethodPost, path, NotifyRequest{Name: name, Type: int(ns)}, nil)
	return translate(err)
}

// ListenDetection 订阅单个开关
func (s *Service) ListenDetection(ctx context.Context, packageName string, userID int, methodName string, fn func(bool)) (Unlisten, error) {
	q := url.Values{}
	q.Set("package", packageName)
	q.Set("user", strconv.Itoa(userID))
	q.Set("method", methodName)
	return listen(ctx, s, StreamDetection, q, fn)
}

// ListenPackage 订阅某包在全部用户下的记录
func (s *Service) ListenPackage(ctx context.Context, packageName string, fn func([]domain.PackageInfo)) (Unlisten, error) {
	q := url.Values{}
	q.Set("package", packageName)
	return listen(ctx, s, StreamPackage, q, fn)
}

// ListenPackages 订阅某用户下的全部包
func (s *Service) ListenPackages(ctx context.Context, userID int, fn func([]domain.PackageInfo)) (Unlisten, error) {
	q := url.Values{}
	q.Set("user", strconv.Itoa(userID))
	return listen(ctx, s, StreamPackages, q, fn)
}

// ListenGlobal 订阅全局开关
func (s *Service) ListenGlobal(ctx context.Context, methodName string, fn func(bool)) (Unlisten, error) {
	q := url.Values{}
	q.Set("method", methodName)
	return listen(ctx, s, StreamGlobal, q, fn)
}

func listen[V any](ctx context.Context, s *Service, stream string, q url.Values, fn func(V)) (Unlisten, error) {
	wsURL := "ws" + strings.TrimPrefix(s.t.baseURL, "http") +
		"/binder/" + url.PathEscape(s.handle) + "/database/listen/" + stream + "?" + q.Encode()

	header := http.Header{}
	header.Set(CallingPackageHeader, s.t.caller)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	s.t.metrics.RecordIPCCall("listen_"+stream, err)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: listen %s", ErrServiceGone, stream)
		}
		return nil, fmt.Errorf("listen %s: %w", stream, err)
	}

	var once sync.Once
	unlisten := func() {
		once.Do(func() {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		})
	}

	go func() {
		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.t.logger.WithError(err).WithField("stream", stream).Debug("Listener stream closed")
				}
				return
			}

			var v V
			if err := json.Unmarshal(frame.Value, &v); err != nil {
				s.t.logger.WithError(err).WithFields(logrus.Fields{"stream": stream}).Warn("Dropping malformed frame")
				continue
			}
			fn(v)
		}
	}()

	return unlisten, nil
}
