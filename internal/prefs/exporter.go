package prefs

import (
	"context"
	"time"

	"github.com/notdeveloper/notdeveloper-go/internal/datastore"
	"github.com/notdeveloper/notdeveloper-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// Exporter 把存储中的配置导出为快照文件，供 hook 进程读取
type Exporter struct {
	repo      repository.DetectionRepository
	useGlobal *datastore.Store[datastore.UseGlobalPreferences]
	path      string
	logger    *logrus.Logger
}

// NewExporter 创建快照导出器，useGlobal 可以为 nil
func NewExporter(repo repository.DetectionRepository, useGlobal *datastore.Store[datastore.UseGlobalPreferences], path string, logger *logrus.Logger) *Exporter {
	return &Exporter{
		repo:      repo,
		useGlobal: useGlobal,
		path:      path,
		logger:    logger,
	}
}

// Build 从存储构建快照
func (e *Exporter) Build(ctx context.Context) (*Snapshot, error) {
	detections, err := e.repo.ListDetections(ctx)
	if err != nil {
		return nil, err
	}
	globals, err := e.repo.ListGlobalDetections(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		GeneratedAt: time.Now().UTC(),
		Packages:    make(map[string]map[int]map[string]bool),
		Global:      make(map[string]bool, len(globals)),
	}
	if e.useGlobal != nil {
		snap.UseGlobal = e.useGlobal.Load().Enabled
	}
	for _, d := range detections {
		snap.set(d.PackageName, d.UserID, d.MethodName, d.Enabled)
	}
	for _, g := range globals {
		snap.Global[g.MethodName] = g.Enabled
	}
	return snap, nil
}

// Export 导出一次
func (e *Exporter) Export(ctx context.Context) error {
	snap, err := e.Build(ctx)
	if err != nil {
		return err
	}
	if err := WriteSnapshot(e.path, snap); err != nil {
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"path":       e.path,
		"packages":   len(snap.Packages),
		"use_global": snap.UseGlobal,
	}).Debug("Preference snapshot exported")
	return nil
}

// Run 立即导出一次，之后在存储或全局开关变化时重新导出，直到 ctx 取消
func (e *Exporter) Run(ctx context.Context) error {
	changes := e.repo.ChangesFlow(ctx)

	var flags <-chan datastore.UseGlobalPreferences
	if e.useGlobal != nil {
		ch, err := e.useGlobal.Watch(ctx)
		if err != nil {
			e.logger.WithError(err).Warn("Failed to watch global preference flag")
		} else {
			flags = ch
		}
	}

	if err := e.Export(ctx); err != nil {
		e.logger.WithError(err).Error("Failed to export preference snapshot")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return ctx.Err()
			}
		case _, ok := <-flags:
			if !ok {
				flags = nil
				continue
			}
		}

		if err := e.Export(ctx); err != nil {
			e.logger.WithError(err).Error("Failed to export preference snapshot")
		}
	}
}
