package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tcmartin/flowqueue/pkg/models"
)

// MemoryQueue is an in-process implementation of the Queue contract. It is
// the default backend for tests and single-process deployments.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	subs   map[string]map[EventKind]map[int]EventHandler
	nextID int
	cron   *cron.Cron
	closed bool
}

// memQueue holds the per-queue state.
type memQueue struct {
	jobs    map[string]*Job
	waiting []string
	// pending tracks how many children of a waiting-children parent are
	// still non-terminal
	pending map[string]int
	signal  chan struct{}
}

// NewMemoryQueue creates an in-process queue substrate.
func NewMemoryQueue() *MemoryQueue {
	c := cron.New()
	c.Start()
	return &MemoryQueue{
		queues: make(map[string]*memQueue),
		subs:   make(map[string]map[EventKind]map[int]EventHandler),
		cron:   c,
	}
}

func (m *MemoryQueue) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{
			jobs:    make(map[string]*Job),
			pending: make(map[string]int),
			signal:  make(chan struct{}, 1),
		}
		m.queues[name] = q
	}
	return q
}

// Enqueue adds a job and returns its assigned ID.
func (m *MemoryQueue) Enqueue(ctx context.Context, queueName, jobName string, data map[string]interface{}, opts JobOptions) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrQueueClosed
	}
	job := &Job{
		ID:        uuid.New().String(),
		Queue:     queueName,
		Name:      jobName,
		Data:      data,
		Opts:      opts,
		CreatedAt: time.Now(),
	}
	m.queue(queueName).jobs[job.ID] = job
	m.mu.Unlock()

	if opts.RepeatCron != "" {
		_, err := m.cron.AddFunc(opts.RepeatCron, func() {
			next := opts
			next.RepeatCron = ""
			_, _ = m.Enqueue(context.Background(), queueName, jobName, data, next)
		})
		if err != nil {
			return "", fmt.Errorf("invalid repeat schedule %q: %w", opts.RepeatCron, err)
		}
	}

	m.schedule(job)
	return job.ID, nil
}

// schedule moves a fresh job to waiting, or delays it first.
func (m *MemoryQueue) schedule(job *Job) {
	if job.Opts.Delay > 0 {
		m.setStatus(job, models.JobDelayed)
		m.publish(Event{Kind: EventDelayed, Queue: job.Queue, JobID: job.ID, Name: job.Name, Timestamp: time.Now()})
		time.AfterFunc(job.Opts.Delay, func() { m.moveToWaiting(job.Queue, job.ID) })
		return
	}
	m.moveToWaiting(job.Queue, job.ID)
}

func (m *MemoryQueue) setStatus(job *Job, status models.JobStatus) {
	m.mu.Lock()
	job.Status = status
	m.mu.Unlock()
}

// moveToWaiting pushes a job onto its queue's waiting list, ordered by
// priority (higher first, FIFO within a priority).
func (m *MemoryQueue) moveToWaiting(queueName, jobID string) {
	m.mu.Lock()
	q := m.queue(queueName)
	job, ok := q.jobs[jobID]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	job.Status = models.JobWaiting
	pos := len(q.waiting)
	for i, id := range q.waiting {
		if other, ok := q.jobs[id]; ok && other.Opts.Priority < job.Opts.Priority {
			pos = i
			break
		}
	}
	q.waiting = append(q.waiting[:pos], append([]string{jobID}, q.waiting[pos:]...)...)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	name := job.Name
	m.mu.Unlock()

	m.publish(Event{Kind: EventWaiting, Queue: queueName, JobID: jobID, Name: name, Timestamp: time.Now()})
}

// AddFlowTree submits a whole dependency tree in one call. Leaves go to
// waiting immediately; parents stay in waiting-children until every child
// reaches a terminal state.
func (m *MemoryQueue) AddFlowTree(ctx context.Context, root *TreeNode) (*TreeJob, error) {
	if root == nil {
		return nil, fmt.Errorf("flow tree root is required")
	}
	if root.Name == "" || root.Queue == "" {
		return nil, fmt.Errorf("flow tree nodes require a name and queue")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrQueueClosed
	}
	tree, err := m.addNode(root, "", "")
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	m.releaseLeaves(tree)
	return tree, nil
}

// addNode creates the job for a node and its children. Caller holds the lock.
func (m *MemoryQueue) addNode(node *TreeNode, parentID, parentQueue string) (*TreeJob, error) {
	if node.Name == "" || node.Queue == "" {
		return nil, fmt.Errorf("flow tree nodes require a name and queue")
	}
	job := &Job{
		ID:          uuid.New().String(),
		Queue:       node.Queue,
		Name:        node.Name,
		Data:        node.Data,
		Opts:        node.Opts,
		ParentID:    parentID,
		ParentQueue: parentQueue,
		CreatedAt:   time.Now(),
	}
	q := m.queue(node.Queue)
	q.jobs[job.ID] = job

	tree := &TreeJob{JobID: job.ID, Queue: node.Queue, Name: node.Name, Data: node.Data, Opts: node.Opts}
	for _, child := range node.Children {
		childTree, err := m.addNode(child, job.ID, job.Queue)
		if err != nil {
			return nil, err
		}
		job.Children = append(job.Children, JobRef{Queue: childTree.Queue, ID: childTree.JobID})
		tree.Children = append(tree.Children, childTree)
	}
	if len(job.Children) > 0 {
		job.Status = models.JobWaitingChildren
		q.pending[job.ID] = len(job.Children)
	}
	return tree, nil
}

// releaseLeaves publishes the initial events for a submitted tree.
func (m *MemoryQueue) releaseLeaves(tree *TreeJob) {
	tree.Walk(func(t *TreeJob) {
		if len(t.Children) == 0 {
			m.moveToWaiting(t.Queue, t.JobID)
			return
		}
		m.publish(Event{Kind: EventWaitingChildren, Queue: t.Queue, JobID: t.JobID, Name: t.Name, Timestamp: time.Now()})
	})
}

// GetJob retrieves a job by ID.
func (m *MemoryQueue) GetJob(ctx context.Context, queueName, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.queue(queueName).jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

// RemoveJob deletes a job from the substrate.
func (m *MemoryQueue) RemoveJob(ctx context.Context, queueName, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queueName)
	if _, ok := q.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	delete(q.jobs, jobID)
	delete(q.pending, jobID)
	for i, id := range q.waiting {
		if id == jobID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	return nil
}

// ChildrenValues returns the results of a job's completed children.
func (m *MemoryQueue) ChildrenValues(ctx context.Context, queueName, jobID string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queueName)
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	values := make(map[string]interface{})
	for _, ref := range job.Children {
		// Children may live on queues other than the parent's.
		if child, ok := m.queue(ref.Queue).jobs[ref.ID]; ok && child.Status == models.JobCompleted {
			values[ref.ID] = child.Result
		}
	}
	return values, nil
}

// Subscribe registers a handler for one event kind on a queue.
func (m *MemoryQueue) Subscribe(queueName string, kind EventKind, fn EventHandler) Unsubscribe {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[queueName] == nil {
		m.subs[queueName] = make(map[EventKind]map[int]EventHandler)
	}
	if m.subs[queueName][kind] == nil {
		m.subs[queueName][kind] = make(map[int]EventHandler)
	}
	id := m.nextID
	m.nextID++
	m.subs[queueName][kind][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[queueName][kind], id)
	}
}

// publish delivers an event to the queue's subscribers. Handlers run on the
// caller's goroutine with no lock held, so they may call back into the queue.
func (m *MemoryQueue) publish(evt Event) {
	m.mu.Lock()
	var handlers []EventHandler
	if kinds, ok := m.subs[evt.Queue]; ok {
		for _, fn := range kinds[evt.Kind] {
			handlers = append(handlers, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(evt)
	}
}

// Lease blocks until a job is available, marks it active, and returns it.
func (m *MemoryQueue) Lease(ctx context.Context, queueName string) (*Job, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q := m.queue(queueName)
		if len(q.waiting) > 0 {
			jobID := q.waiting[0]
			q.waiting = q.waiting[1:]
			job, ok := q.jobs[jobID]
			if !ok {
				m.mu.Unlock()
				continue
			}
			job.Status = models.JobActive
			job.AttemptsMade++
			copied := *job
			if len(q.waiting) > 0 {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			m.mu.Unlock()

			m.publish(Event{Kind: EventActive, Queue: queueName, JobID: copied.ID, Name: copied.Name, Timestamp: time.Now()})
			return &copied, nil
		}
		signal := q.signal
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		}
	}
}

// Complete marks a leased job completed with its result.
func (m *MemoryQueue) Complete(ctx context.Context, job *Job, result interface{}) error {
	m.mu.Lock()
	q := m.queue(job.Queue)
	stored, ok := q.jobs[job.ID]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	stored.Status = models.JobCompleted
	stored.Result = result
	parentID, parentQueue := stored.ParentID, stored.ParentQueue
	m.mu.Unlock()

	m.publish(Event{Kind: EventCompleted, Queue: job.Queue, JobID: job.ID, Name: job.Name, Result: result, Timestamp: time.Now()})
	m.childFinished(parentQueue, parentID)
	return nil
}

// Fail records a failed attempt. The job is redelivered after its backoff
// while attempts remain, else marked failed.
func (m *MemoryQueue) Fail(ctx context.Context, job *Job, reason string) error {
	m.mu.Lock()
	q := m.queue(job.Queue)
	stored, ok := q.jobs[job.ID]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}

	if stored.AttemptsMade < stored.Opts.Attempts {
		stored.Status = models.JobDelayed
		queueName, jobID, name := stored.Queue, stored.ID, stored.Name
		backoff := stored.Opts.Backoff
		m.mu.Unlock()

		m.publish(Event{Kind: EventDelayed, Queue: queueName, JobID: jobID, Name: name, Error: reason, Timestamp: time.Now()})
		time.AfterFunc(backoff, func() { m.moveToWaiting(queueName, jobID) })
		return nil
	}

	stored.Status = models.JobFailed
	stored.Error = reason
	parentID, parentQueue := stored.ParentID, stored.ParentQueue
	m.mu.Unlock()

	m.publish(Event{Kind: EventFailed, Queue: job.Queue, JobID: job.ID, Name: job.Name, Error: reason, Timestamp: time.Now()})
	m.childFinished(parentQueue, parentID)
	return nil
}

// childFinished decrements a parent's pending-children count and releases
// the parent once every child is terminal. The parent is resolved on its
// own queue, which may differ from the finished child's.
func (m *MemoryQueue) childFinished(parentQueue, parentID string) {
	if parentID == "" {
		return
	}
	m.mu.Lock()
	q := m.queue(parentQueue)
	remaining, ok := q.pending[parentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	remaining--
	if remaining > 0 {
		q.pending[parentID] = remaining
		m.mu.Unlock()
		return
	}
	delete(q.pending, parentID)
	m.mu.Unlock()

	m.moveToWaiting(parentQueue, parentID)
}

// ReportProgress publishes a progress event for an active job.
func (m *MemoryQueue) ReportProgress(ctx context.Context, queueName, jobID string, value interface{}) error {
	m.mu.Lock()
	job, ok := m.queue(queueName).jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	name := job.Name
	m.mu.Unlock()

	m.publish(Event{Kind: EventProgress, Queue: queueName, JobID: jobID, Name: name, Payload: value, Timestamp: time.Now()})
	return nil
}

// ReportDelta publishes a streaming-delta event for an active job.
func (m *MemoryQueue) ReportDelta(ctx context.Context, queueName, jobID string, chunk string) error {
	m.mu.Lock()
	job, ok := m.queue(queueName).jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	name := job.Name
	m.mu.Unlock()

	m.publish(Event{Kind: EventDelta, Queue: queueName, JobID: jobID, Name: name, Payload: chunk, Timestamp: time.Now()})
	return nil
}

// Close releases the substrate's resources and unblocks leasers.
func (m *MemoryQueue) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.cron.Stop()
	for _, q := range m.queues {
		close(q.signal)
	}
	return nil
}
