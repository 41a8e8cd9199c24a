package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orcasched/internal/kernel"
)

func queuedTask(gtid int64) *Task {
	t := newTask(kernel.Gtid(gtid), 1, time.Unix(0, 0))
	t.state = StateQueued
	return t
}

func TestRunQueueFIFO(t *testing.T) {
	q := NewRunQueue()
	assert.True(t, q.Empty())
	assert.Nil(t, q.Dequeue())

	for i := int64(1); i <= 5; i++ {
		q.Enqueue(queuedTask(i))
	}
	require.Equal(t, 5, q.Size())
	for i := int64(1); i <= 5; i++ {
		got := q.Dequeue()
		require.NotNil(t, got)
		assert.Equal(t, kernel.Gtid(i), got.Gtid)
	}
	assert.True(t, q.Empty())
}

func TestRunQueueBoostedAndPreemptedGoFirst(t *testing.T) {
	q := NewRunQueue()
	q.Enqueue(queuedTask(1))
	q.Enqueue(queuedTask(2))

	boosted := queuedTask(3)
	boosted.prioBoost = true
	q.Enqueue(boosted)

	preempted := queuedTask(4)
	preempted.preempted = true
	q.Enqueue(preempted)

	q.Enqueue(queuedTask(5))
	assert.Equal(t, []int64{4, 3, 1, 2, 5}, gtids(q.Tasks()))

	q.EnqueueFront(queuedTask(6))
	assert.Equal(t, int64(6), int64(q.Dequeue().Gtid))
}

func TestRunQueueErase(t *testing.T) {
	q := NewRunQueue()
	tasks := []*Task{queuedTask(1), queuedTask(2), queuedTask(3)}
	for _, task := range tasks {
		q.Enqueue(task)
	}

	assert.True(t, q.Erase(tasks[1]))
	assert.False(t, q.Erase(tasks[1]))
	assert.False(t, q.Erase(queuedTask(9)))
	assert.Equal(t, []int64{1, 3}, gtids(q.Tasks()))

	assert.True(t, q.Erase(tasks[2]))
	assert.True(t, q.Erase(tasks[0]))
	assert.True(t, q.Empty())
}

func TestRunQueueLeavesStateAlone(t *testing.T) {
	q := NewRunQueue()
	task := queuedTask(1)
	task.state = StateRunnable
	q.Enqueue(task)
	assert.Equal(t, StateRunnable, q.Dequeue().State())
}
