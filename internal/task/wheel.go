package task

import (
	"sync"
	"time"
)

const (
	// SlotCount 时间轮槽位数量
	SlotCount = 60

	// DefaultInterval 默认每格时长
	DefaultInterval = time.Second
)

// TimeWheel 多圈时间轮
// 超过一圈的延迟通过 rounds 记录，任务ID到槽位的映射支持按ID删除
type TimeWheel struct {
	mu          sync.Mutex
	slots       [SlotCount]*slot
	index       map[string]*Task
	currentSlot int
	interval    time.Duration
}

// NewTimeWheel 创建时间轮，interval 为每格时长
func NewTimeWheel(interval time.Duration) *TimeWheel {
	if interval <= 0 {
		interval = DefaultInterval
	}
	tw := &TimeWheel{
		index:    make(map[string]*Task),
		interval: interval,
	}
	for i := 0; i < SlotCount; i++ {
		tw.slots[i] = newSlot()
	}
	return tw
}

// AddTask 添加任务，同 ID 的旧任务被替换
func (tw *TimeWheel) AddTask(task *Task) {
	ticks := int((task.Delay + tw.interval - 1) / tw.interval)
	if ticks < 1 {
		ticks = 1
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.removeLocked(task.ID)

	task.rounds = (ticks - 1) / SlotCount
	task.slot = (tw.currentSlot + ticks) % SlotCount
	tw.slots[task.slot].tasks[task.ID] = task
	tw.index[task.ID] = task
}

// RemoveTask 删除任务
func (tw *TimeWheel) RemoveTask(taskID string) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.removeLocked(taskID)
}

func (tw *TimeWheel) removeLocked(taskID string) bool {
	t, ok := tw.index[taskID]
	if !ok {
		return false
	}
	delete(tw.slots[t.slot].tasks, taskID)
	delete(tw.index, taskID)
	return true
}

// Tick 推进一格，返回到期任务
func (tw *TimeWheel) Tick() []*Task {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.currentSlot = (tw.currentSlot + 1) % SlotCount
	due := tw.slots[tw.currentSlot].expire()
	for _, t := range due {
		delete(tw.index, t.ID)
	}
	return due
}

// Interval 每格时长
func (tw *TimeWheel) Interval() time.Duration {
	return tw.interval
}

// GetCurrentSlot 获取当前槽位索引
func (tw *TimeWheel) GetCurrentSlot() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.currentSlot
}

// GetTotalTaskCount 获取所有槽位的任务总数
func (tw *TimeWheel) GetTotalTaskCount() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return len(tw.index)
}
