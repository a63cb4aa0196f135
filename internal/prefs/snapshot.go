package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Snapshot hook 进程读取的偏好快照
type Snapshot struct {
	GeneratedAt time.Time `yaml:"generated_at"`
	UseGlobal   bool      `yaml:"use_global"`
	// package → user → method → enabled
	Packages map[string]map[int]map[string]bool `yaml:"packages"`
	Global   map[string]bool                    `yaml:"global"`
}

// IsDetectionEnabled 没有记录的组合按启用处理
func (s *Snapshot) IsDetectionEnabled(packageName string, userID int, methodName string) bool {
	if s == nil {
		return true
	}

	if s.UseGlobal {
		if v, ok := s.Global[methodName]; ok {
			return v
		}
		return true
	}

	if v, ok := s.Packages[packageName][userID][methodName]; ok {
		return v
	}
	return true
}

func (s *Snapshot) set(packageName string, userID int, methodName string, enabled bool) {
	if s.Packages == nil {
		s.Packages = make(map[string]map[int]map[string]bool)
	}
	users, ok := s.Packages[packageName]
	if !ok {
		users = make(map[int]map[string]bool)
		s.Packages[packageName] = users
	}
	methods, ok := users[userID]
	if !ok {
		methods = make(map[string]bool)
		users[userID] = methods
	}
	methods[methodName] = enabled
}

// ReadSnapshot 读取快照文件
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

// WriteSnapshot 原子写入快照，读方只会看到完整文件
func WriteSnapshot(path string, snap *Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	// hook 进程以其他身份运行，需要可读
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// FileSource 从快照文件读取偏好，每次 Reload 重新读盘
type FileSource struct {
	path   string
	logger *logrus.Logger

	mu   sync.RWMutex
	snap *Snapshot
}

// NewFileSource 创建快照读取源
func NewFileSource(path string, logger *logrus.Logger) *FileSource {
	return &FileSource{path: path, logger: logger}
}

// Reload 重新读取快照；不可读时退化为全部启用
func (f *FileSource) Reload() {
	snap, err := ReadSnapshot(f.path)
	if err != nil {
		f.logger.WithError(err).WithField("path", f.path).Debug("Preference snapshot unavailable")
		snap = nil
	}

	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
}

// IsDetectionEnabled 按最近一次 Reload 的结果判断
func (f *FileSource) IsDetectionEnabled(packageName string, userID int, methodName string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap.IsDetectionEnabled(packageName, userID, methodName)
}
