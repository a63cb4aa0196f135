package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/notdeveloper/notdeveloper-go/internal/ipc"
	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/notdeveloper/notdeveloper-go/internal/service"
	"github.com/sirupsen/logrus"
)

// ProviderHandler content provider 入口
type ProviderHandler struct {
	provider  *service.Provider
	authority string
	logger    *logrus.Logger
}

// NewProviderHandler 创建 provider 处理器
func NewProviderHandler(provider *service.Provider, authority string, logger *logrus.Logger) *ProviderHandler {
	return &ProviderHandler{
		provider:  provider,
		authority: authority,
		logger:    logger,
	}
}

// Call 获取服务句柄，任何拒绝都返回 null
// POST /provider/:authority/call
func (h *ProviderHandler) Call(c *gin.Context) {
	if c.Param("authority") != h.authority {
		c.JSON(http.StatusOK, nil)
		return
	}

	var req ipc.ProviderCall
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, nil)
		return
	}

	caller := middleware.CallerOf(c)
	handle, err := h.provider.Call(caller, req.Method)
	if err != nil {
		h.logger.WithError(err).WithField("caller", caller).Debug("Provider call denied")
		c.JSON(http.StatusOK, nil)
		return
	}

	c.JSON(http.StatusOK, ipc.ServiceBundle{Service: handle})
}

// Query 不提供数据
// GET /provider/:authority/query
func (h *ProviderHandler) Query(c *gin.Context) {
	c.JSON(http.StatusOK, nil)
}

// Insert 不提供数据
// POST /provider/:authority/insert
func (h *ProviderHandler) Insert(c *gin.Context) {
	c.JSON(http.StatusOK, nil)
}

// Update 返回受影响行数 0
// PUT /provider/:authority/update
func (h *ProviderHandler) Update(c *gin.Context) {
	c.JSON(http.StatusOK, 0)
}

// Delete 返回受影响行数 0
// DELETE /provider/:authority/delete
func (h *ProviderHandler) Delete(c *gin.Context) {
	c.JSON(http.StatusOK, 0)
}
