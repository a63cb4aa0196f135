package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/notdeveloper/notdeveloper-go/internal/config"
	"github.com/notdeveloper/notdeveloper-go/internal/datastore"
	"github.com/notdeveloper/notdeveloper-go/internal/detection"
	"github.com/notdeveloper/notdeveloper-go/internal/ipc"
	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/notdeveloper/notdeveloper-go/internal/platform"
	"github.com/notdeveloper/notdeveloper-go/internal/repository"
	"github.com/notdeveloper/notdeveloper-go/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const authority = "top.ltfan.notdeveloper.provider"

func setupRouter(t *testing.T) (*gin.Engine, *service.Provider) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tracker := repository.NewInvalidationTracker(logger)
	db, err := repository.InitDB(&config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "notdeveloper.db"),
	}, tracker, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	keys := detection.Default().Keys()
	repo := repository.NewDetectionRepository(db, tracker, keys, logger)
	settings := datastore.Open(t.TempDir(), logger)
	mem := platform.NewMemory()
	mem.InstallApp("com.example.app", 0, 10100)

	dbSvc := service.NewDatabaseService(repo, settings.UseGlobalPreferences, nil, keys, nil, logger)
	t.Cleanup(dbSvc.Close)

	provider := service.NewProvider(&service.Service{
		Database: dbSvc,
		System:   service.NewSystemService(mem, nil, logger),
	}, []string{"com.android.providers.settings", "android"}, logger)

	cfg := config.Default()
	cfg.App.Authority = authority
	cfg.Server.Mode = "test"

	return SetupRouter(cfg, logger, provider, nil, nil), provider
}

func do(r *gin.Engine, method, path, caller string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(middleware.CallingPackageHeader, caller)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestProviderCall_Whitelist(t *testing.T) {
	r, provider := setupRouter(t)
	path := "/provider/" + authority + "/call"

	w := do(r, http.MethodPost, path, "com.android.providers.settings", ipc.ProviderCall{Method: "GET"})
	assert.Equal(t, http.StatusOK, w.Code)
	var bundle ipc.ServiceBundle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bundle))
	assert.Equal(t, provider.Handle(), bundle.Service)

	// 未授权调用方、未知方法、错误 authority 都返回 null
	for _, tc := range []struct {
		name   string
		path   string
		caller string
		method string
	}{
		{"unlisted caller", path, "com.example.app", "GET"},
		{"no caller", path, "", "GET"},
		{"unknown verb", path, "android", "PUT"},
		{"wrong authority", "/provider/other/call", "android", "GET"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, http.MethodPost, tc.path, tc.caller, ipc.ProviderCall{Method: tc.method})
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "null", w.Body.String())
		})
	}
}

func TestProviderCRUD_NoOps(t *testing.T) {
	r, _ := setupRouter(t)
	base := "/provider/" + authority

	assert.Equal(t, "null", do(r, http.MethodGet, base+"/query", "android", nil).Body.String())
	assert.Equal(t, "null", do(r, http.MethodPost, base+"/insert", "android", nil).Body.String())
	assert.Equal(t, "0", do(r, http.MethodPut, base+"/update", "android", nil).Body.String())
	assert.Equal(t, "0", do(r, http.MethodDelete, base+"/delete", "android", nil).Body.String())
}

func TestBinder_UnknownHandle(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodPost, "/binder/bogus/database/"+ipc.OpListDetections, "android", ipc.DatabaseRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBinder_DatabaseOps(t *testing.T) {
	r, provider := setupRouter(t)
	base := "/binder/" + provider.Handle() + "/database/"

	req := ipc.DatabaseRequest{PackageName: "com.example.app", UserID: 0, MethodName: "adb_enabled"}

	w := do(r, http.MethodPost, base+ipc.OpIsDetectionEnabled, "android", req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"value":true}`, w.Body.String())

	w = do(r, http.MethodPost, base+ipc.OpToggleDetectionEnabled, "android", req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"value":false}`, w.Body.String())

	w = do(r, http.MethodPost, base+ipc.OpIsDetectionEnabled, "android", req)
	assert.JSONEq(t, `{"value":false}`, w.Body.String())

	// 缺少 enabled
	w = do(r, http.MethodPost, base+ipc.OpInsertDetection, "android", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 空包名
	w = do(r, http.MethodPost, base+ipc.OpIsDetectionEnabled, "android", ipc.DatabaseRequest{MethodName: "adb_enabled"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, base+"dropTables", "android", ipc.DatabaseRequest{})
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = do(r, http.MethodPost, base+ipc.OpGetPackageInfo, "android", ipc.DatabaseRequest{PackageName: "com.missing", UserID: 0})
	assert.JSONEq(t, `{"value":null}`, w.Body.String())
}

func TestBinder_System(t *testing.T) {
	r, provider := setupRouter(t)
	base := "/binder/" + provider.Handle() + "/system/"

	w := do(r, http.MethodGet, base+"apps?user=0", "android", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "com.example.app")

	w = do(r, http.MethodGet, base+"apps?user=-1", "android", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, base+"users", "android", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Owner")

	w = do(r, http.MethodPost, base+"notifySettingChange", "android", ipc.NotifyRequest{Name: "adb_enabled", Type: 0})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth(t *testing.T) {
	r, _ := setupRouter(t)
	w := do(r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
