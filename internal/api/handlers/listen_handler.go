package handlers

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/notdeveloper/notdeveloper-go/internal/domain"
	"github.com/notdeveloper/notdeveloper-go/internal/ipc"
	"github.com/notdeveloper/notdeveloper-go/internal/service"
	"github.com/sirupsen/logrus"
)

const (
	writeWait    = 10 * time.Second
	frameBacklog = 16
	pingInterval = 30 * time.Second
	readDeadline = 2 * pingInterval
)

// ListenHandler 订阅流，关闭连接即取消订阅
type ListenHandler struct {
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewListenHandler 创建订阅处理器
func NewListenHandler(logger *logrus.Logger) *ListenHandler {
	return &ListenHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// register 注册上游监听，返回取消函数
type register func(push func(any)) func()

// Listen 按流类型注册监听
// GET /binder/:handle/database/listen/:stream
func (h *ListenHandler) Listen(c *gin.Context) {
	db := serviceOf(c).Database
	stream := c.Param("stream")

	reg, err := registration(c, db, stream)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade listener connection")
		return
	}

	h.serve(conn, stream, reg)
}

func registration(c *gin.Context, db *service.DatabaseService, stream string) (register, error) {
	userParam := func() (int, error) {
		userID, err := strconv.Atoi(c.Query("user"))
		if err != nil || userID < 0 {
			return 0, errInvalidParam("user")
		}
		return userID, nil
	}

	switch stream {
	case ipc.StreamDetection:
		userID, err := userParam()
		if err != nil {
			return nil, err
		}
		key := service.DetectionKey{PackageName: c.Query("package"), UserID: userID, MethodName: c.Query("method")}
		if key.PackageName == "" || key.MethodName == "" {
			return nil, errInvalidParam("package/method")
		}
		return func(push func(any)) func() {
			return db.ListenDetection(key, func(v bool) { push(v) })
		}, nil

	case ipc.StreamPackage:
		pkg := c.Query("package")
		if pkg == "" {
			return nil, errInvalidParam("package")
		}
		return func(push func(any)) func() {
			return db.ListenPackage(pkg, func(v []domain.PackageInfo) { push(v) })
		}, nil

	case ipc.StreamPackages:
		userID, err := userParam()
		if err != nil {
			return nil, err
		}
		return func(push func(any)) func() {
			return db.ListenPackages(userID, func(v []domain.PackageInfo) { push(v) })
		}, nil

	case ipc.StreamGlobal:
		method := c.Query("method")
		if method == "" {
			return nil, errInvalidParam("method")
		}
		return func(push func(any)) func() {
			return db.ListenGlobal(method, func(v bool) { push(v) })
		}, nil
	}
	return nil, errInvalidParam("stream")
}

type errInvalidParam string

func (e errInvalidParam) Error() string {
	return "invalid parameter: " + string(e)
}

func (h *ListenHandler) serve(conn *websocket.Conn, stream string, reg register) {
	frames := make(chan any, frameBacklog)
	closed := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(closed) }) }

	// 消费过慢的连接直接断开
	push := func(v any) {
		select {
		case <-closed:
		case frames <- v:
		default:
			h.logger.WithField("stream", stream).Warn("Listener too slow, closing")
			stop()
		}
	}
	unlisten := reg(push)
	defer unlisten()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.WithError(err).WithField("stream", stream).Debug("Listener closed unexpectedly")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case v := <-frames:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(gin.H{"value": v}); err != nil {
				h.logger.WithError(err).WithField("stream", stream).Debug("Failed to write frame")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
