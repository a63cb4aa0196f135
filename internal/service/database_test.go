package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/notdeveloper/notdeveloper-go/internal/config"
	"github.com/notdeveloper/notdeveloper-go/internal/datastore"
	"github.com/notdeveloper/notdeveloper-go/internal/detection"
	"github.com/notdeveloper/notdeveloper-go/internal/domain"
	"github.com/notdeveloper/notdeveloper-go/internal/platform"
	"github.com/notdeveloper/notdeveloper-go/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockPropagator Mock 变更传播
type MockPropagator struct {
	mock.Mock
}

func (m *MockPropagator) NotifyAsync(targetPackage, methodKey string) {
	m.Called(targetPackage, methodKey)
}

func setupDatabaseService(t *testing.T, propagator Propagator) (*DatabaseService, *datastore.Settings) {
	t.Helper()
	logger := testLogger()

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

	svc := NewDatabaseService(repo, settings.UseGlobalPreferences, propagator, keys, nil, logger)
	t.Cleanup(svc.Close)
	return svc, settings
}

func TestDatabaseService_TogglePropagates(t *testing.T) {
	prop := new(MockPropagator)
	prop.On("NotifyAsync", "com.example.app", "adb_enabled").Return().Once()

	svc, _ := setupDatabaseService(t, prop)
	ctx := context.Background()

	v, err := svc.ToggleDetectionEnabled(ctx, "com.example.app", 0, "adb_enabled")
	require.NoError(t, err)
	assert.False(t, v)

	prop.AssertExpectations(t)
}

func TestDatabaseService_DisableAllPropagatesEveryMethod(t *testing.T) {
	prop := new(MockPropagator)
	for _, key := range detection.Default().Keys() {
		prop.On("NotifyAsync", "com.example.app", key).Return().Once()
	}

	svc, _ := setupDatabaseService(t, prop)
	require.NoError(t, svc.DisableAllDetectionsForPackage(context.Background(), "com.example.app", 0))

	prop.AssertExpectations(t)
}

func TestDatabaseService_FailedWriteDoesNotPropagate(t *testing.T) {
	prop := new(MockPropagator)
	svc, _ := setupDatabaseService(t, prop)

	_, err := svc.ToggleDetectionEnabled(context.Background(), "", 0, "adb_enabled")
	assert.True(t, errors.Is(err, repository.ErrInvalidKey))
	prop.AssertNotCalled(t, "NotifyAsync", mock.Anything, mock.Anything)
}

func TestDatabaseService_EffectiveUsesGlobalFlag(t *testing.T) {
	svc, settings := setupDatabaseService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.InsertDetection(ctx, "com.example.app", 0, "adb_enabled", false))
	require.NoError(t, svc.InsertGlobalDetection(ctx, "adb_enabled", true))

	v, err := svc.IsDetectionEnabledEffective(ctx, "com.example.app", 0, "adb_enabled")
	require.NoError(t, err)
	assert.False(t, v)

	require.NoError(t, settings.UseGlobalPreferences.Save(datastore.UseGlobalPreferences{Enabled: true}))

	v, err = svc.IsDetectionEnabledEffective(ctx, "com.example.app", 0, "adb_enabled")
	require.NoError(t, err)
	assert.True(t, v)
}

func TestDatabaseService_ListenDetection(t *testing.T) {
	svc, _ := setupDatabaseService(t, nil)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		values []bool
	)
	listen := func(v bool) {
		mu.Lock()
		values = append(values, v)
		mu.Unlock()
	}
	lastValue := func(want bool) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(values) > 0 && values[len(values)-1] == want
		}
	}

	key := DetectionKey{PackageName: "com.example.app", UserID: 0, MethodName: "adb_enabled"}
	unlisten := svc.ListenDetection(key, listen)
	unlistenSecond := svc.ListenDetection(key, func(bool) {})
	assert.Equal(t, 1, svc.detections.Upstreams())

	waitFor(t, lastValue(true))

	_, err := svc.ToggleDetectionEnabled(ctx, "com.example.app", 0, "adb_enabled")
	require.NoError(t, err)
	waitFor(t, lastValue(false))

	unlisten()
	assert.Equal(t, 1, svc.detections.Upstreams())
	unlistenSecond()
	assert.Equal(t, 0, svc.detections.Upstreams())
}

func TestDatabaseService_ListenPackages(t *testing.T) {
	svc, _ := setupDatabaseService(t, nil)

	got := make(chan []domain.PackageInfo, 8)
	defer svc.ListenPackages(10, func(v []domain.PackageInfo) { got <- v })()

	first := <-got
	assert.Empty(t, first)

	require.NoError(t, svc.InitializePackage(context.Background(), "com.example.app", 10, 10123))
	waitFor(t, func() bool {
		select {
		case v := <-got:
			return len(v) == 1 && v[0].AppID == 10123
		default:
			return false
		}
	})
}

func TestSystemService(t *testing.T) {
	mem := platform.NewMemory()
	mem.InstallApp("com.example.app", 0, 10100)
	svc := NewSystemService(mem, nil, testLogger())
	ctx := context.Background()

	apps, err := svc.QueryApps(ctx, 0)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "com.example.app", apps[0].PackageName)

	require.NoError(t, svc.NotifySettingChange(ctx, "adb_enabled", int(platform.NamespaceGlobal)))
	assert.Contains(t, mem.Notified(), "global/adb_enabled")

	assert.Error(t, svc.NotifySettingChange(ctx, "adb_enabled", 9))
}

func TestProvider_Call(t *testing.T) {
	p := NewProvider(&Service{}, []string{"com.android.providers.settings", "android"}, testLogger())

	handle, err := p.Call("android", VerbGet)
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	_, ok := p.Resolve(handle)
	assert.True(t, ok)
	_, ok = p.Resolve("bogus")
	assert.False(t, ok)

	_, err = p.Call("com.example.app", VerbGet)
	assert.ErrorIs(t, err, ErrCallerNotAllowed)

	_, err = p.Call("android", "PUT")
	assert.ErrorIs(t, err, ErrUnknownMethod)
}
