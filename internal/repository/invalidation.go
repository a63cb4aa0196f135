package repository

import (
	"context"
	"sync"

	"github.com/notdeveloper/notdeveloper-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const invalidateCallback = "notdeveloper:invalidate"

// InvalidationTracker 记录表级写入，并唤醒关心这些表的观察者。
// 事务内的写入在提交之后才通知，读方不会看到一半的批量更新。
type InvalidationTracker struct {
	mu        sync.Mutex
	observers map[int]*tableObserver
	nextID    int
	cascade   map[string][]string
	logger    *logrus.Logger
}

type tableObserver struct {
	tables map[string]struct{}
	ch     chan struct{}
}

type collectorKey struct{}

// txCollector 收集事务内被修改的表
type txCollector struct {
	mu     sync.Mutex
	tables map[string]struct{}
}

func (c *txCollector) add(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[table] = struct{}{}
}

// NewInvalidationTracker 创建失效跟踪器
func NewInvalidationTracker(logger *logrus.Logger) *InvalidationTracker {
	return &InvalidationTracker{
		observers: make(map[int]*tableObserver),
		cascade: map[string][]string{
			// 删除包信息会级联删除检测行
			domain.TablePackageInfos: {domain.TableDetections},
		},
		logger: logger,
	}
}

// Attach 在 gorm 的写入回调链上注册失效通知
func (t *InvalidationTracker) Attach(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Create().After("gorm:create").Register(invalidateCallback, t.afterWrite); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register(invalidateCallback, t.afterWrite); err != nil {
		return err
	}
	return cb.Delete().After("gorm:delete").Register(invalidateCallback, t.afterWrite)
}

func (t *InvalidationTracker) afterWrite(tx *gorm.DB) {
	if tx.Error != nil || tx.Statement == nil || tx.Statement.Table == "" {
		return
	}

	table := tx.Statement.Table
	if c, ok := tx.Statement.Context.Value(collectorKey{}).(*txCollector); ok {
		c.add(table)
		return
	}
	t.Invalidate(table)
}

// Transaction 执行事务，提交成功后统一通知
func (t *InvalidationTracker) Transaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	c := &txCollector{tables: make(map[string]struct{})}
	ctx = context.WithValue(ctx, collectorKey{}, c)

	if err := db.WithContext(ctx).Transaction(fn); err != nil {
		return err
	}

	tables := make([]string, 0, len(c.tables))
	for table := range c.tables {
		tables = append(tables, table)
	}
	t.Invalidate(tables...)
	return nil
}

// Observe 订阅表的失效信号。信号通道容量为 1，多次失效会合并。
func (t *InvalidationTracker) Observe(tables ...string) (<-chan struct{}, func()) {
	obs := &tableObserver{
		tables: make(map[string]struct{}, len(tables)),
		ch:     make(chan struct{}, 1),
	}
	for _, table := range tables {
		obs.tables[table] = struct{}{}
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.observers[id] = obs
	t.mu.Unlock()

	var once sync.Once
	return obs.ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.observers, id)
			t.mu.Unlock()
		})
	}
}

// Invalidate 标记表已变更
func (t *InvalidationTracker) Invalidate(tables ...string) {
	if len(tables) == 0 {
		return
	}

	affected := make(map[string]struct{}, len(tables))
	for _, table := range tables {
		affected[table] = struct{}{}
		for _, dep := range t.cascade[table] {
			affected[dep] = struct{}{}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	notified := 0
	for _, obs := range t.observers {
		for table := range affected {
			if _, ok := obs.tables[table]; ok {
				select {
				case obs.ch <- struct{}{}:
				default:
				}
				notified++
				break
			}
		}
	}

	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"tables":    tables,
			"observers": notified,
		}).Debug("Tables invalidated")
	}
}

// ObserverCount 当前观察者数量
func (t *InvalidationTracker) ObserverCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.observers)
}
