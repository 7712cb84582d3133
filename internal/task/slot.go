package task

// slot 时间轮槽位，由 TimeWheel 的锁保护
type slot struct {
	tasks map[string]*Task // key: taskID
}

func newSlot() *slot {
	return &slot{tasks: make(map[string]*Task)}
}

// expire 取出到期任务，其余任务圈数减一
func (s *slot) expire() []*Task {
	if len(s.tasks) == 0 {
		return nil
	}
	var due []*Task
	for id, t := range s.tasks {
		if t.rounds > 0 {
			t.rounds--
			continue
		}
		due = append(due, t)
		delete(s.tasks, id)
	}
	return due
}
