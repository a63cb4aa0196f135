package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/notdeveloper/notdeveloper-go/internal/watcher"
	"github.com/sirupsen/logrus"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	// 旧版本或新版本写入的未知字段直接忽略
	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Store 单个设置对象，保存在独立的 CBOR 文件中
type Store[T any] struct {
	path     string
	defaults func() T
	logger   *logrus.Logger
	mu       sync.Mutex
}

// New 创建设置存储，文件为 dir/name
func New[T any](dir, name string, defaults func() T, logger *logrus.Logger) *Store[T] {
	return &Store[T]{
		path:     filepath.Join(dir, name),
		defaults: defaults,
		logger:   logger,
	}
}

// Path 文件路径
func (s *Store[T]) Path() string {
	return s.path
}

// Load 读取当前值，文件缺失或解码失败时返回默认值
func (s *Store[T]) Load() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store[T]) load() T {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("file", s.path).Warn("Failed to read settings, using default")
		}
		return s.defaults()
	}

	v := s.defaults()
	if err := decMode.Unmarshal(data, &v); err != nil {
		s.logger.WithError(err).WithField("file", s.path).Warn("Failed to decode settings, using default")
		return s.defaults()
	}
	return v
}

// Save 原子写入：先写临时文件再改名
func (s *Store[T]) Save(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(v)
}

func (s *Store[T]) save(v T) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(s.path), err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create datastore directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(s.path), err)
	}
	return nil
}

// Update 读-改-写，返回新值
func (s *Store[T]) Update(fn func(T) T) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := fn(s.load())
	if err := s.save(next); err != nil {
		var zero T
		return zero, err
	}
	return next, nil
}

// Watch 订阅设置变化：立即发出当前值，文件变化后重新读取，值不变不重复发出。
// ctx 取消后通道关闭。
func (s *Store[T]) Watch(ctx context.Context) (<-chan T, error) {
	changed := make(chan struct{}, 1)
	fw, err := watcher.NewFileWatcher(filepath.Dir(s.path), filepath.Base(s.path),
		func(ctx context.Context, filePath string) error {
			select {
			case changed <- struct{}{}:
			default:
			}
			return nil
		}, s.logger)
	if err != nil {
		return nil, err
	}
	fw.Start(ctx)

	out := make(chan T, 1)
	go func() {
		defer close(out)
		defer fw.Stop()

		last := s.Load()
		select {
		case out <- last:
		case <-ctx.Done():
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				v := s.Load()
				if reflect.DeepEqual(v, last) {
					continue
				}
				select {
				case out <- v:
					last = v
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
