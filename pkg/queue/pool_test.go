package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolHandleNotificationWakesWorkers(t *testing.T) {
	q := &Queue{name: "workflow-runs"}
	pool := NewPool("pod-1", q, 2, testQueueConfig(), nil)

	// Matching channel queues one wakeup per call, up to one per worker.
	pool.HandleNotification(q.NotifyChannel(), "")
	pool.HandleNotification(q.NotifyChannel(), "")
	assert.Len(t, pool.wake, 2)

	// Buffer full: extra notifications are dropped rather than blocking
	// the shared listener goroutine.
	pool.HandleNotification(q.NotifyChannel(), "")
	assert.Len(t, pool.wake, 2)
}

func TestPoolHandleNotificationIgnoresOtherChannels(t *testing.T) {
	q := &Queue{name: "workflow-runs"}
	pool := NewPool("pod-1", q, 2, testQueueConfig(), nil)

	pool.HandleNotification("vespid_queue_workflow-continuations", "")
	pool.HandleNotification("run:1f2a7c9e", "")
	assert.Empty(t, pool.wake)
}

func TestPoolConcurrencyFloor(t *testing.T) {
	q := &Queue{name: "workflow-runs"}
	pool := NewPool("pod-1", q, 0, testQueueConfig(), nil)

	assert.Equal(t, 1, pool.concurrency)
	assert.Equal(t, 1, cap(pool.wake))
}

func TestPoolStopTwiceDoesNotPanic(t *testing.T) {
	q := &Queue{name: "workflow-runs"}
	pool := NewPool("pod-1", q, 2, testQueueConfig(), nil)

	// Stop before Start has no workers to wait on.
	pool.Stop()
	assert.NotPanics(t, func() { pool.Stop() })
}
