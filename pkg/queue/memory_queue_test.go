package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowqueue/pkg/models"
)

func newMemoryQueue(t *testing.T) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue()
	t.Cleanup(func() { q.Close() })
	return q
}

// eventCollector records events per kind for later assertions.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) handler() EventHandler {
	return func(evt Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, evt)
	}
}

func (c *eventCollector) kinds() []EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]EventKind, 0, len(c.events))
	for _, e := range c.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestMemoryQueueEnqueueLeaseComplete(t *testing.T) {
	q := newMemoryQueue(t)

	collector := &eventCollector{}
	for _, kind := range AllEventKinds() {
		q.Subscribe("default", kind, collector.handler())
	}

	jobID, err := q.Enqueue(context.Background(), "default", "task", map[string]interface{}{"k": "v"}, JobOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := q.Lease(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, "task", job.Name)
	assert.Equal(t, models.JobActive, job.Status)
	assert.Equal(t, 1, job.AttemptsMade)

	require.NoError(t, q.Complete(context.Background(), job, "result"))

	stored, err := q.GetJob(context.Background(), "default", jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, stored.Status)
	assert.Equal(t, "result", stored.Result)

	assert.Equal(t, []EventKind{EventWaiting, EventActive, EventCompleted}, collector.kinds())
}

func TestMemoryQueueLeaseBlocksUntilWork(t *testing.T) {
	q := newMemoryQueue(t)

	leased := make(chan *Job, 1)
	go func() {
		job, err := q.Lease(context.Background(), "default")
		if err == nil {
			leased <- job
		}
	}()

	select {
	case <-leased:
		t.Fatal("lease returned before any job was enqueued")
	case <-time.After(50 * time.Millisecond):
	}

	jobID, err := q.Enqueue(context.Background(), "default", "task", nil, JobOptions{})
	require.NoError(t, err)

	select {
	case job := <-leased:
		assert.Equal(t, jobID, job.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("lease did not unblock after enqueue")
	}
}

func TestMemoryQueuePriorityOrdersWaiting(t *testing.T) {
	q := newMemoryQueue(t)

	low, err := q.Enqueue(context.Background(), "default", "low", nil, JobOptions{})
	require.NoError(t, err)
	high, err := q.Enqueue(context.Background(), "default", "high", nil, JobOptions{Priority: 10})
	require.NoError(t, err)

	first, err := q.Lease(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, high, first.ID)

	second, err := q.Lease(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, low, second.ID)
}

func TestMemoryQueueDelayedJob(t *testing.T) {
	q := newMemoryQueue(t)

	collector := &eventCollector{}
	q.Subscribe("default", EventDelayed, collector.handler())

	jobID, err := q.Enqueue(context.Background(), "default", "later", nil, JobOptions{Delay: 50 * time.Millisecond})
	require.NoError(t, err)

	stored, err := q.GetJob(context.Background(), "default", jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDelayed, stored.Status)
	assert.Equal(t, []EventKind{EventDelayed}, collector.kinds())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := q.Lease(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, jobID, job.ID)
}

func TestMemoryQueueRetryWithBackoff(t *testing.T) {
	q := newMemoryQueue(t)

	jobID, err := q.Enqueue(context.Background(), "default", "flaky", nil, JobOptions{
		Attempts: 2,
		Backoff:  10 * time.Millisecond,
	})
	require.NoError(t, err)

	job, err := q.Lease(context.Background(), "default")
	require.NoError(t, err)
	require.NoError(t, q.Fail(context.Background(), job, "first attempt"))

	// Attempts remain, so the job is redelivered after the backoff.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err = q.Lease(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, 2, job.AttemptsMade)

	require.NoError(t, q.Fail(context.Background(), job, "second attempt"))

	stored, err := q.GetJob(context.Background(), "default", jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Status)
	assert.Equal(t, "second attempt", stored.Error)
}

func TestMemoryQueueFlowTree(t *testing.T) {
	q := newMemoryQueue(t)

	tree, err := q.AddFlowTree(context.Background(), &TreeNode{
		Name:  "parent",
		Queue: "default",
		Children: []*TreeNode{
			{Name: "left", Queue: "default"},
			{Name: "right", Queue: "default"},
		},
	})
	require.NoError(t, err)
	require.Len(t, tree.Children, 2)

	parent, err := q.GetJob(context.Background(), "default", tree.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobWaitingChildren, parent.Status)

	// Only the leaves are leasable.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		job, err := q.Lease(context.Background(), "default")
		require.NoError(t, err)
		seen[job.Name] = true
		require.NoError(t, q.Complete(context.Background(), job, job.Name+"-value"))
	}
	assert.True(t, seen["left"])
	assert.True(t, seen["right"])

	// With both children terminal the parent becomes leasable.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := q.Lease(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, tree.JobID, job.ID)

	values, err := q.ChildrenValues(context.Background(), "default", tree.JobID)
	require.NoError(t, err)
	assert.Len(t, values, 2)
	assert.Contains(t, values, tree.Children[0].JobID)
	assert.Contains(t, values, tree.Children[1].JobID)
}

func TestMemoryQueueCrossQueueFlowTree(t *testing.T) {
	q := newMemoryQueue(t)

	tree, err := q.AddFlowTree(context.Background(), &TreeNode{
		Name:  "assemble",
		Queue: "parents",
		Children: []*TreeNode{
			{Name: "fetch", Queue: "children"},
			{Name: "resize", Queue: "children"},
		},
	})
	require.NoError(t, err)

	// Children run on their own queue.
	for i := 0; i < 2; i++ {
		job, err := q.Lease(context.Background(), "children")
		require.NoError(t, err)
		require.NoError(t, q.Complete(context.Background(), job, job.Name+"-value"))
	}

	// The parent is released on its queue once both children are terminal.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	parent, err := q.Lease(ctx, "parents")
	require.NoError(t, err)
	assert.Equal(t, tree.JobID, parent.ID)

	values, err := q.ChildrenValues(context.Background(), "parents", tree.JobID)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "fetch-value", values[tree.Children[0].JobID])
	assert.Equal(t, "resize-value", values[tree.Children[1].JobID])
}

func TestMemoryQueueRemoveJob(t *testing.T) {
	q := newMemoryQueue(t)

	jobID, err := q.Enqueue(context.Background(), "default", "task", nil, JobOptions{})
	require.NoError(t, err)

	require.NoError(t, q.RemoveJob(context.Background(), "default", jobID))
	_, err = q.GetJob(context.Background(), "default", jobID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.ErrorIs(t, q.RemoveJob(context.Background(), "default", jobID), ErrJobNotFound)
}

func TestMemoryQueueUnsubscribe(t *testing.T) {
	q := newMemoryQueue(t)

	collector := &eventCollector{}
	unsub := q.Subscribe("default", EventWaiting, collector.handler())

	_, err := q.Enqueue(context.Background(), "default", "one", nil, JobOptions{})
	require.NoError(t, err)
	unsub()
	_, err = q.Enqueue(context.Background(), "default", "two", nil, JobOptions{})
	require.NoError(t, err)

	assert.Len(t, collector.kinds(), 1)
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Close())

	_, err := q.Enqueue(context.Background(), "default", "task", nil, JobOptions{})
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, err = q.Lease(context.Background(), "default")
	assert.ErrorIs(t, err, ErrQueueClosed)

	// Closing twice is safe.
	assert.NoError(t, q.Close())
}

func TestMemoryQueueProgressAndDelta(t *testing.T) {
	q := newMemoryQueue(t)

	collector := &eventCollector{}
	q.Subscribe("default", EventProgress, collector.handler())
	q.Subscribe("default", EventDelta, collector.handler())

	jobID, err := q.Enqueue(context.Background(), "default", "task", nil, JobOptions{})
	require.NoError(t, err)

	require.NoError(t, q.ReportProgress(context.Background(), "default", jobID, 25))
	require.NoError(t, q.ReportDelta(context.Background(), "default", jobID, "hello"))

	collector.mu.Lock()
	defer collector.mu.Unlock()
	require.Len(t, collector.events, 2)
	assert.Equal(t, EventProgress, collector.events[0].Kind)
	assert.EqualValues(t, 25, collector.events[0].Payload)
	assert.Equal(t, EventDelta, collector.events[1].Kind)
	assert.Equal(t, "hello", collector.events[1].Payload)
}
