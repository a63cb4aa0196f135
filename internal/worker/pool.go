package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull 任务队列已满
var ErrQueueFull = errors.New("task queue is full")

// ErrPoolStopped 池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// Task 任务
type Task struct {
	ID       string
	Run      func(ctx context.Context) error
	resultCh chan error // 用于同步等待任务完成
}

// Pool Worker 池
type Pool struct {
	name     string
	workers  int
	taskChan chan *Task
	logger   *logrus.Logger
	wg       sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewPool 创建 Worker 池
func NewPool(name string, workers, queueSize int, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		name:     name,
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		logger:   logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithFields(logrus.Fields{
		"pool":    p.name,
		"workers": p.workers,
	}).Debug("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case task, ok := <-p.taskChan:
			if !ok {
				return
			}

			err := p.run(ctx, task)
			if err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"pool":      p.name,
					"worker_id": id,
					"task_id":   task.ID,
				}).Warn("Task failed")
			}

			if task.resultCh != nil {
				task.resultCh <- err
				close(task.resultCh)
			}
		}
	}
}

// run 执行任务，panic 转为错误，不影响 worker
func (p *Pool) run(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Run(ctx)
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, task *Task) error {
	task.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.taskChan <- task:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止 Worker 池，等待已入队任务处理完
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.WithField("pool", p.name).Debug("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.taskChan)
}
