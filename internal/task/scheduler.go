package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler 延迟任务调度器
type Scheduler struct {
	wheel      *TimeWheel
	workerPool *WorkerPool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
	running    bool
	runningMu  sync.RWMutex
}

// NewScheduler 创建任务调度器，interval 为时间轮每格时长
func NewScheduler(workerCount int, interval time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		wheel:      NewTimeWheel(interval),
		workerPool: NewWorkerPool(workerCount),
		ctx:        ctx,
		cancel:     cancel,
		logger:     slog.Default(),
	}
}

// Start 启动调度器
func (s *Scheduler) Start() error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return fmt.Errorf("调度器已经在运行中")
	}
	s.running = true
	s.runningMu.Unlock()

	s.workerPool.Start()

	s.wg.Add(1)
	go s.tickLoop()

	s.logger.Info("任务调度器已启动", "interval", s.wheel.Interval())
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.wheel.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, t := range s.wheel.Tick() {
				s.workerPool.Submit(t)
			}
		}
	}
}

// Stop 停止调度器，未到期的任务被丢弃
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.workerPool.Stop()

	s.logger.Info("任务调度器已停止")
}

// AddTask 添加任务，同 ID 的旧任务被替换
func (s *Scheduler) AddTask(task *Task) error {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()

	if !s.running {
		return fmt.Errorf("调度器未运行")
	}
	if task == nil {
		return fmt.Errorf("任务不能为空")
	}
	if task.ID == "" {
		return fmt.Errorf("任务ID不能为空")
	}

	s.wheel.AddTask(task)
	return nil
}

// RemoveTask 删除任务，返回任务是否存在
func (s *Scheduler) RemoveTask(taskID string) bool {
	return s.wheel.RemoveTask(taskID)
}

// IsRunning 检查调度器是否运行中
func (s *Scheduler) IsRunning() bool {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()
	return s.running
}

// GetStats 获取调度器统计信息
func (s *Scheduler) GetStats() map[string]any {
	return map[string]any{
		"running":        s.IsRunning(),
		"currentSlot":    s.wheel.GetCurrentSlot(),
		"totalTaskCount": s.wheel.GetTotalTaskCount(),
		"workerCount":    s.workerPool.workerCount,
	}
}
