package core

import (
	"sync"
)

// TaskQueue holds pending task instances in arrival order. A capacity of
// zero means unbounded; otherwise Enqueue signals backpressure with
// ErrQueueFull instead of blocking.
//
// Duplicate instructions are allowed: running the same instruction twice
// concurrently is a legitimate request.
type TaskQueue struct {
	mu       sync.Mutex
	items    []*TaskInstance
	capacity int
}

// NewTaskQueue creates a queue with the given capacity (0 = unbounded).
func NewTaskQueue(capacity int) *TaskQueue {
	return &TaskQueue{capacity: capacity}
}

// Enqueue appends a task at the back of the queue and marks it pending.
func (q *TaskQueue) Enqueue(task *TaskInstance) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	task.State = TaskPending
	q.items = append(q.items, task)
	return nil
}

// Requeue reinserts a retrying task at the back of the queue, so a failing
// task cannot starve others. It bypasses the capacity check: a retrying
// task is already admitted work, not new demand.
func (q *TaskQueue) Requeue(task *TaskInstance) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.State = TaskPending
	q.items = append(q.items, task)
}

// Dequeue removes and returns the oldest pending task, or nil if the
// queue is empty.
func (q *TaskQueue) Dequeue() *TaskInstance {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	task := q.items[0]
	q.items = q.items[1:]
	return task
}

// PushFront restores a task to the head of the queue. Used by the
// dispatcher when no device can take the task it just popped, so queue
// position is preserved.
func (q *TaskQueue) PushFront(task *TaskInstance) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*TaskInstance{task}, q.items...)
}

// Cancel removes a pending task by id. Returns the removed task, or nil
// if no pending task has that id.
func (q *TaskQueue) Cancel(id string) *TaskInstance {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, task := range q.items {
		if task.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			task.State = TaskCanceled
			return task
		}
	}
	return nil
}

// Get returns the pending task with the given id, or nil.
func (q *TaskQueue) Get(id string) *TaskInstance {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, task := range q.items {
		if task.ID == id {
			return task
		}
	}
	return nil
}

// Len reports the number of pending tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the pending tasks in queue order.
func (q *TaskQueue) Snapshot() []*TaskInstance {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*TaskInstance, len(q.items))
	copy(out, q.items)
	return out
}
