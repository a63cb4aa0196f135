package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/notdeveloper/notdeveloper-go/internal/ipc"
	"github.com/notdeveloper/notdeveloper-go/internal/repository"
	"github.com/notdeveloper/notdeveloper-go/internal/service"
	"github.com/sirupsen/logrus"
)

const serviceKey = "binder_service"

// BinderHandler 按句柄分发到数据库门面和系统门面
type BinderHandler struct {
	provider *service.Provider
	logger   *logrus.Logger
}

// NewBinderHandler 创建 binder 处理器
func NewBinderHandler(provider *service.Provider, logger *logrus.Logger) *BinderHandler {
	return &BinderHandler{provider: provider, logger: logger}
}

// Resolve 校验句柄，未知句柄返回 404
func (h *BinderHandler) Resolve() gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, ok := h.provider.Resolve(c.Param("handle"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, ipc.Response{Error: "unknown service handle"})
			return
		}
		c.Set(serviceKey, svc)
		c.Next()
	}
}

func serviceOf(c *gin.Context) *service.Service {
	return c.MustGet(serviceKey).(*service.Service)
}

func (h *BinderHandler) fail(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrUnknownMethod):
		// 404 只用于未知句柄
		status = http.StatusNotImplemented
	}

	h.logger.WithError(err).WithField("operation", op).Warn("Binder call failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

// Database 数据库门面
// POST /binder/:handle/database/:op
func (h *BinderHandler) Database(c *gin.Context) {
	op := c.Param("op")

	var req ipc.DatabaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	value, err := dispatchDatabase(c.Request.Context(), serviceOf(c).Database, op, req)
	if err != nil {
		h.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": value})
}

func dispatchDatabase(ctx context.Context, db *service.DatabaseService, op string, req ipc.DatabaseRequest) (any, error) {
	enabled := func() (bool, error) {
		if req.Enabled == nil {
			return false, errors.Join(repository.ErrInvalidKey, errors.New("enabled is required"))
		}
		return *req.Enabled, nil
	}

	switch op {
	case ipc.OpIsDetectionEnabled:
		return db.IsDetectionEnabled(ctx, req.PackageName, req.UserID, req.MethodName)
	case ipc.OpIsDetectionEnabledEffective:
		return db.IsDetectionEnabledEffective(ctx, req.PackageName, req.UserID, req.MethodName)
	case ipc.OpInsertDetection:
		v, err := enabled()
		if err != nil {
			return nil, err
		}
		return nil, db.InsertDetection(ctx, req.PackageName, req.UserID, req.MethodName, v)
	case ipc.OpToggleDetectionEnabled:
		return db.ToggleDetectionEnabled(ctx, req.PackageName, req.UserID, req.MethodName)
	case ipc.OpEnableAllDetectionsForPackage:
		return nil, db.EnableAllDetectionsForPackage(ctx, req.PackageName, req.UserID)
	case ipc.OpDisableAllDetectionsForPackage:
		return nil, db.DisableAllDetectionsForPackage(ctx, req.PackageName, req.UserID)
	case ipc.OpInitializePackage:
		return nil, db.InitializePackage(ctx, req.PackageName, req.UserID, req.AppID)
	case ipc.OpDeletePackage:
		return nil, db.DeletePackage(ctx, req.PackageName, req.UserID)
	case ipc.OpGetPackageInfo:
		return db.GetPackageInfo(ctx, req.PackageName, req.UserID)
	case ipc.OpListPackageInfos:
		return db.ListPackageInfos(ctx, req.PackageName)
	case ipc.OpListPackageInfosByUser:
		return db.ListPackageInfosByUser(ctx, req.UserID)
	case ipc.OpListDetections:
		return db.ListDetections(ctx)
	case ipc.OpClearAllData:
		return nil, db.ClearAllData(ctx)
	case ipc.OpIsGlobalDetectionEnabled:
		return db.IsGlobalDetectionEnabled(ctx, req.MethodName)
	case ipc.OpInsertGlobalDetection:
		v, err := enabled()
		if err != nil {
			return nil, err
		}
		return nil, db.InsertGlobalDetection(ctx, req.MethodName, v)
	case ipc.OpToggleGlobalDetectionEnabled:
		return db.ToggleGlobalDetectionEnabled(ctx, req.MethodName)
	case ipc.OpListGlobalDetections:
		return db.ListGlobalDetections(ctx)
	}
	return nil, errors.Join(service.ErrUnknownMethod, errors.New(op))
}

// Apps 列出用户已安装应用
// GET /binder/:handle/system/apps?user=0
func (h *BinderHandler) Apps(c *gin.Context) {
	userID, err := strconv.Atoi(c.DefaultQuery("user", "0"))
	if err != nil || userID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user"})
		return
	}

	apps, err := serviceOf(c).System.QueryApps(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "queryApps", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": apps})
}

// Users 列出设备用户
// GET /binder/:handle/system/users
func (h *BinderHandler) Users(c *gin.Context) {
	users, err := serviceOf(c).System.Users(c.Request.Context())
	if err != nil {
		h.fail(c, "users", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": users})
}

// NotifySettingChange 重新派发设置项变更
// POST /binder/:handle/system/notifySettingChange
func (h *BinderHandler) NotifySettingChange(c *gin.Context) {
	var req ipc.NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := serviceOf(c).System.NotifySettingChange(c.Request.Context(), req.Name, req.Type); err != nil {
		h.fail(c, "notifySettingChange", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": nil})
}
