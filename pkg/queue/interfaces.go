// Package queue provides the job execution substrate: durable queues with
// delayed scheduling, priority, a parent-waits-for-children dependency
// primitive, and a subscribable stream of lifecycle events.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/tcmartin/flowqueue/pkg/models"
)

// Errors returned by queue implementations
var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueClosed = errors.New("queue closed")
)

// EventKind identifies a lifecycle event emitted by the substrate.
type EventKind string

// Lifecycle event kinds.
const (
	EventWaiting         EventKind = "waiting"
	EventActive          EventKind = "active"
	EventCompleted       EventKind = "completed"
	EventFailed          EventKind = "failed"
	EventDelayed         EventKind = "delayed"
	EventPaused          EventKind = "paused"
	EventWaitingChildren EventKind = "waiting-children"
	EventProgress        EventKind = "progress"
	EventDelta           EventKind = "delta"
)

// AllEventKinds lists every lifecycle event kind the substrate can emit.
func AllEventKinds() []EventKind {
	return []EventKind{
		EventWaiting, EventActive, EventCompleted, EventFailed,
		EventDelayed, EventPaused, EventWaitingChildren,
		EventProgress, EventDelta,
	}
}

// Event is one lifecycle notification for a job.
type Event struct {
	// Kind of the event
	Kind EventKind `json:"kind"`

	// Queue the job lives on
	Queue string `json:"queue"`

	// JobID of the job the event refers to
	JobID string `json:"job_id"`

	// Name is the job's handler name
	Name string `json:"name"`

	// Payload carries the progress value or streaming delta chunk
	Payload interface{} `json:"payload,omitempty"`

	// Result of the job for completed events
	Result interface{} `json:"result,omitempty"`

	// Error message for failed events
	Error string `json:"error,omitempty"`

	// Timestamp of the event
	Timestamp time.Time `json:"timestamp"`
}

// JobOptions control how a job is scheduled and retried.
type JobOptions struct {
	// Delay postpones the job's first activation
	Delay time.Duration `json:"delay,omitempty"`

	// Priority orders waiting jobs; higher runs first
	Priority int `json:"priority,omitempty"`

	// Attempts is the maximum number of execution attempts (default 1)
	Attempts int `json:"attempts,omitempty"`

	// Backoff is the delay applied between attempts
	Backoff time.Duration `json:"backoff,omitempty"`

	// RepeatCron re-enqueues the job on a cron schedule
	RepeatCron string `json:"repeat_cron,omitempty"`
}

// Job is one unit of work held by the substrate.
type Job struct {
	// ID of the job, assigned by the substrate
	ID string `json:"id"`

	// Queue the job lives on
	Queue string `json:"queue"`

	// Name is the handler name the job dispatches to
	Name string `json:"name"`

	// Data is the job's input data
	Data map[string]interface{} `json:"data,omitempty"`

	// Opts are the job's scheduling options
	Opts JobOptions `json:"opts"`

	// Status of the job
	Status models.JobStatus `json:"status"`

	// Result of the job, set when completed
	Result interface{} `json:"result,omitempty"`

	// Error message, set when failed
	Error string `json:"error,omitempty"`

	// ParentID is the job's parent in a flow tree, if any
	ParentID string `json:"parent_id,omitempty"`

	// ParentQueue is the queue the parent lives on. Flow trees may span
	// queues, so the parent is not necessarily on this job's queue.
	ParentQueue string `json:"parent_queue,omitempty"`

	// Children locate the job's children in a flow tree, if any
	Children []JobRef `json:"children,omitempty"`

	// AttemptsMade counts executions so far
	AttemptsMade int `json:"attempts_made"`

	// CreatedAt is when the job was enqueued
	CreatedAt time.Time `json:"created_at"`
}

// JobRef locates a job on a specific queue.
type JobRef struct {
	// Queue the job lives on
	Queue string `json:"queue"`

	// ID of the job
	ID string `json:"id"`
}

// TreeNode describes one node of a flow tree to submit.
type TreeNode struct {
	// Name is the handler name for the node's job
	Name string `json:"name"`

	// Queue the node's job is submitted to
	Queue string `json:"queue"`

	// Data is the node's input data
	Data map[string]interface{} `json:"data,omitempty"`

	// Opts are the node's scheduling options
	Opts JobOptions `json:"opts,omitempty"`

	// Children are the node's dependency children
	Children []*TreeNode `json:"children,omitempty"`
}

// TreeJob mirrors TreeNode after submission, carrying assigned job IDs.
type TreeJob struct {
	// JobID assigned by the substrate
	JobID string `json:"job_id"`

	// Queue the job was submitted to
	Queue string `json:"queue"`

	// Name is the job's handler name
	Name string `json:"name"`

	// Data is the job's input data as submitted
	Data map[string]interface{} `json:"data,omitempty"`

	// Opts are the job's scheduling options
	Opts JobOptions `json:"opts"`

	// Children mirror the submitted children
	Children []*TreeJob `json:"children,omitempty"`
}

// Walk visits the tree job and every descendant depth-first.
func (t *TreeJob) Walk(fn func(*TreeJob)) {
	fn(t)
	for _, c := range t.Children {
		c.Walk(fn)
	}
}

// EventHandler processes one lifecycle event.
type EventHandler func(Event)

// Unsubscribe removes a previously registered event handler.
type Unsubscribe func()

// Queue is the contract the core consumes from the job execution substrate.
// A parent job submitted via AddFlowTree leaves waiting-children only after
// all of its children reach a terminal state.
type Queue interface {
	// Enqueue adds a job and returns its assigned ID
	Enqueue(ctx context.Context, queueName, jobName string, data map[string]interface{}, opts JobOptions) (string, error)

	// AddFlowTree submits a whole dependency tree in one call
	AddFlowTree(ctx context.Context, root *TreeNode) (*TreeJob, error)

	// GetJob retrieves a job by ID
	GetJob(ctx context.Context, queueName, jobID string) (*Job, error)

	// RemoveJob deletes a job from the substrate
	RemoveJob(ctx context.Context, queueName, jobID string) error

	// ChildrenValues returns the results of a job's completed children
	ChildrenValues(ctx context.Context, queueName, jobID string) (map[string]interface{}, error)

	// Subscribe registers a handler for one event kind on a queue
	Subscribe(queueName string, kind EventKind, fn EventHandler) Unsubscribe

	// Lease blocks until a job is available for processing and marks it active
	Lease(ctx context.Context, queueName string) (*Job, error)

	// Complete marks a leased job completed with its result
	Complete(ctx context.Context, job *Job, result interface{}) error

	// Fail records a failed attempt; the job is retried per its options or
	// marked failed once attempts are exhausted
	Fail(ctx context.Context, job *Job, reason string) error

	// ReportProgress publishes a progress event for an active job
	ReportProgress(ctx context.Context, queueName, jobID string, value interface{}) error

	// ReportDelta publishes a streaming-delta event for an active job
	ReportDelta(ctx context.Context, queueName, jobID string, chunk string) error

	// Close releases the substrate's resources
	Close() error
}
