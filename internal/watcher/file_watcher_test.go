package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPattern(t *testing.T) {
	fw := &FileWatcher{pattern: "*.cbor"}
	assert.True(t, fw.matchPattern("sort_order.cbor"))
	assert.True(t, fw.matchPattern("SORT.CBOR"))
	assert.False(t, fw.matchPattern("detections.yaml"))

	fw.pattern = "detections.yaml"
	assert.True(t, fw.matchPattern("detections.yaml"))
	assert.False(t, fw.matchPattern(".detections.yaml.tmp-1"))

	fw.pattern = "*"
	assert.True(t, fw.matchPattern("anything"))
}

func TestFileWatcher_Debounce(t *testing.T) {
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	var calls int32
	fw, err := NewFileWatcher(dir, "state.cbor", func(ctx context.Context, filePath string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, logger, WithDebounce(200*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fw.Start(ctx)

	path := filepath.Join(dir, "state.cbor")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	fw.Stop()
	fw.Stop()
}
