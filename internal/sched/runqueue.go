// internal/sched/runqueue.go

package sched

import (
	"sync"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// RunQueue is a FIFO of tasks with front insertion for boosted and
// preempted tasks. Only the owning agent mutates it in the common path, but
// other goroutines query its size, hence the lock.
//
// RunQueue tracks membership only; callers own the task state transitions.
type RunQueue struct {
	mu   sync.Mutex
	list *doublylinkedlist.List
}

func NewRunQueue() *RunQueue {
	return &RunQueue{list: doublylinkedlist.New()}
}

// Enqueue appends t, or prepends it when t is boosted or was preempted.
func (q *RunQueue) Enqueue(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.front() {
		q.list.Prepend(t)
	} else {
		q.list.Add(t)
	}
}

// EnqueueFront prepends t regardless of its flags.
func (q *RunQueue) EnqueueFront(t *Task) {
	q.mu.Lock()
	q.list.Prepend(t)
	q.mu.Unlock()
}

// Dequeue pops the head, or returns nil when empty.
func (q *RunQueue) Dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.list.Get(0)
	if !ok {
		return nil
	}
	q.list.Remove(0)
	return v.(*Task)
}

// Erase removes t and reports whether it was queued.
func (q *RunQueue) Erase(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	// recent arrivals sit at the back, search from there
	it := q.list.Iterator()
	for ok := it.Last(); ok; ok = it.Prev() {
		if it.Value().(*Task) == t {
			q.list.Remove(it.Index())
			return true
		}
	}
	return false
}

func (q *RunQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Size()
}

func (q *RunQueue) Empty() bool { return q.Size() == 0 }

// Tasks returns the queued tasks, head first.
func (q *RunQueue) Tasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, q.list.Size())
	q.list.Each(func(_ int, v any) { out = append(out, v.(*Task)) })
	return out
}
