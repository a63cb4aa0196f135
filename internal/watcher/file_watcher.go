package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 文件变更处理函数，文件被删除时同样会调用
type FileHandler func(ctx context.Context, filePath string) error

// FileWatcher 监控目录下匹配模式的文件
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	pattern  string // 文件匹配模式 (如 "*.cbor")
	handler  FileHandler
	logger   *logrus.Logger
	debounce time.Duration

	mu       sync.Mutex
	timers   map[string]*time.Timer
	stopOnce sync.Once
	stopChan chan struct{}
}

// Option 监控器选项
type Option func(*FileWatcher)

// WithDebounce 设置防抖时间
func WithDebounce(d time.Duration) Option {
	return func(fw *FileWatcher) {
		fw.debounce = d
	}
}

// NewFileWatcher 创建文件监控器
func NewFileWatcher(watchDir, pattern string, handler FileHandler, logger *logrus.Logger, opts ...Option) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// 确保监控目录存在
	if err := os.MkdirAll(watchDir, 0755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	// 监控目录而不是文件：原子替换会换掉文件的 inode
	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:  watcher,
		watchDir: watchDir,
		pattern:  pattern,
		handler:  handler,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		timers:   make(map[string]*time.Timer),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"pattern":   pattern,
	}).Debug("File watcher created")

	return fw, nil
}

// Start 启动事件循环
func (fw *FileWatcher) Start(ctx context.Context) {
	go fw.eventLoop(ctx)
}

// Stop 停止监控，可重复调用
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		close(fw.stopChan)
		fw.watcher.Close()

		fw.mu.Lock()
		for name, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, name)
		}
		fw.mu.Unlock()
	})
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer fw.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopChan:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			fileName := filepath.Base(event.Name)
			if !fw.matchPattern(fileName) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  fileName,
			}).Debug("File event detected")

			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：同一文件短时间内多次触发只处理一次
func (fw *FileWatcher) schedule(ctx context.Context, filePath string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, exists := fw.timers[filePath]; exists {
		timer.Stop()
	}

	fw.timers[filePath] = time.AfterFunc(fw.debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, filePath)
		fw.mu.Unlock()

		select {
		case <-fw.stopChan:
			return
		default:
		}

		if err := fw.handler(ctx, filePath); err != nil {
			fw.logger.WithError(err).WithField("file", filePath).Warn("Failed to handle file change")
		}
	})
}

// matchPattern 检查文件名是否匹配模式
func (fw *FileWatcher) matchPattern(fileName string) bool {
	if fw.pattern == "*" {
		return true
	}

	if strings.HasPrefix(fw.pattern, "*.") {
		ext := strings.TrimPrefix(fw.pattern, "*")
		return strings.HasSuffix(strings.ToLower(fileName), strings.ToLower(ext))
	}

	return fileName == fw.pattern
}
