package core

import (
	"errors"
	"fmt"
	"testing"
)

func newTask(id string) *TaskInstance {
	return &TaskInstance{ID: id, Instruction: "instruction " + id, Attempt: 1, MaxAttempts: 3}
}

func TestQueueFIFOOrder(t *testing.T) {
	t.Parallel()
	q := NewTaskQueue(0)
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(newTask(fmt.Sprintf("t%d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		task := q.Dequeue()
		if task == nil {
			t.Fatalf("dequeue %d: got nil", i)
		}
		if want := fmt.Sprintf("t%d", i); task.ID != want {
			t.Errorf("dequeue %d: got %s, want %s", i, task.ID, want)
		}
	}
	if task := q.Dequeue(); task != nil {
		t.Errorf("dequeue on empty queue: got %s, want nil", task.ID)
	}
}

func TestQueueCapacity(t *testing.T) {
	t.Parallel()
	q := NewTaskQueue(1)
	if err := q.Enqueue(newTask("a")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := q.Enqueue(newTask("b"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second enqueue: got %v, want ErrQueueFull", err)
	}
	if q.Len() != 1 {
		t.Errorf("len after rejected enqueue: got %d, want 1", q.Len())
	}
}

func TestQueueEnqueueMarksPending(t *testing.T) {
	t.Parallel()
	q := NewTaskQueue(0)
	task := newTask("a")
	task.State = TaskRetrying
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.State != TaskPending {
		t.Errorf("state after enqueue: got %s, want %s", task.State, TaskPending)
	}
}

func TestQueueRequeueGoesToBack(t *testing.T) {
	t.Parallel()
	q := NewTaskQueue(2)
	if err := q.Enqueue(newTask("a")); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(newTask("b")); err != nil {
		t.Fatal(err)
	}

	// Requeue ignores capacity and appends behind existing work.
	retrying := newTask("r")
	retrying.State = TaskRetrying
	q.Requeue(retrying)

	want := []string{"a", "b", "r"}
	for i, id := range want {
		task := q.Dequeue()
		if task == nil || task.ID != id {
			t.Fatalf("dequeue %d: got %v, want %s", i, task, id)
		}
	}
}

func TestQueuePushFrontRestoresPosition(t *testing.T) {
	t.Parallel()
	q := NewTaskQueue(0)
	q.Requeue(newTask("a"))
	q.Requeue(newTask("b"))

	head := q.Dequeue()
	if head.ID != "a" {
		t.Fatalf("dequeue: got %s, want a", head.ID)
	}
	q.PushFront(head)

	if got := q.Dequeue().ID; got != "a" {
		t.Errorf("dequeue after push front: got %s, want a", got)
	}
}

func TestQueueCancel(t *testing.T) {
	t.Parallel()
	q := NewTaskQueue(0)
	q.Requeue(newTask("a"))
	q.Requeue(newTask("b"))
	q.Requeue(newTask("c"))

	removed := q.Cancel("b")
	if removed == nil || removed.ID != "b" {
		t.Fatalf("cancel: got %v, want task b", removed)
	}
	if removed.State != TaskCanceled {
		t.Errorf("canceled task state: got %s, want %s", removed.State, TaskCanceled)
	}
	if q.Cancel("nope") != nil {
		t.Error("cancel of unknown id: got task, want nil")
	}

	want := []string{"a", "c"}
	for i, id := range want {
		if got := q.Dequeue().ID; got != id {
			t.Errorf("dequeue %d after cancel: got %s, want %s", i, got, id)
		}
	}
}
