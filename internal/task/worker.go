package task

import (
	"context"
	"log/slog"
	"sync"
)

// WorkerPool 工作协程池
type WorkerPool struct {
	workerCount int        // 工作协程数量
	taskChan    chan *Task // 任务通道
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      *slog.Logger
}

// NewWorkerPool 创建工作协程池
func NewWorkerPool(workerCount int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 4
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workerCount: workerCount,
		taskChan:    make(chan *Task, workerCount*2),
		ctx:         ctx,
		cancel:      cancel,
		logger:      slog.Default(),
	}
}

// Start 启动工作协程池
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Info("工作协程池已启动", "workerCount", wp.workerCount)
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case task := <-wp.taskChan:
			if task != nil {
				wp.executeTask(id, task)
			}
		}
	}
}

func (wp *WorkerPool) executeTask(workerID int, task *Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("任务执行 panic",
				"workerID", workerID,
				"taskID", task.ID,
				"target", task.Target,
				"panic", r)
		}
	}()

	if err := task.Execute(wp.ctx); err != nil {
		wp.logger.Error("任务执行失败",
			"workerID", workerID,
			"taskID", task.ID,
			"target", task.Target,
			"error", err)
	}
}

// Submit 提交任务，通道满时阻塞直到有空位或协程池关闭
func (wp *WorkerPool) Submit(task *Task) {
	select {
	case wp.taskChan <- task:
	case <-wp.ctx.Done():
		wp.logger.Warn("工作池已关闭,任务提交失败", "taskID", task.ID)
	}
}

// Stop 停止工作协程池
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()
	wp.logger.Info("工作协程池已停止")
}
