// Package models defines the core entities shared across flowqueue packages.
package models

import "time"

// FlowStatus represents the overall state of a flow.
type FlowStatus string

// Flow status values.
const (
	FlowPending   FlowStatus = "pending"
	FlowRunning   FlowStatus = "running"
	FlowCompleted FlowStatus = "completed"
	FlowFailed    FlowStatus = "failed"
	FlowCancelled FlowStatus = "cancelled"
)

// JobStatus represents the state of a single job as reported by the queue substrate.
type JobStatus string

// Job status values, matching the substrate's lifecycle vocabulary.
const (
	JobCompleted       JobStatus = "completed"
	JobFailed          JobStatus = "failed"
	JobDelayed         JobStatus = "delayed"
	JobActive          JobStatus = "active"
	JobWaiting         JobStatus = "waiting"
	JobWaitingChildren JobStatus = "waiting-children"
	JobPaused          JobStatus = "paused"
	JobStuck           JobStatus = "stuck"
)

// Flow is a named, user-owned tree of dependent jobs tracked as one unit of work.
type Flow struct {
	// ID of the flow
	ID string `json:"id"`

	// Name is the human-readable flow name
	Name string `json:"name"`

	// Handler is the handler name used for the root job
	Handler string `json:"handler"`

	// Queue is the target queue name
	Queue string `json:"queue"`

	// UserID is the ID of the user that owns the flow
	UserID string `json:"user_id"`

	// Status of the flow
	Status FlowStatus `json:"status"`

	// Progress summarizes the tracked job statuses
	Progress ProgressSummary `json:"progress"`

	// Result of the root job, present only when Status is completed
	Result interface{} `json:"result,omitempty"`

	// Error message, present only when Status is failed
	Error string `json:"error,omitempty"`

	// CreatedAt is when the flow was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the flow was last updated
	UpdatedAt time.Time `json:"updated_at"`

	// StartedAt is when the first job became active
	StartedAt time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the flow reached a terminal status
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// ProgressSummary aggregates the statuses of a flow's tracked jobs.
type ProgressSummary struct {
	// Total number of tracked jobs
	Total int `json:"total"`

	// Completed is the number of jobs with status completed
	Completed int `json:"completed"`

	// Failed is the number of jobs with status failed
	Failed int `json:"failed"`

	// Delayed is the number of jobs with status delayed
	Delayed int `json:"delayed,omitempty"`

	// Active is the number of jobs with status active
	Active int `json:"active,omitempty"`

	// Waiting is the number of jobs with status waiting
	Waiting int `json:"waiting,omitempty"`

	// WaitingChildren is the number of jobs waiting on their children
	WaitingChildren int `json:"waiting_children,omitempty"`

	// Paused is the number of jobs with status paused
	Paused int `json:"paused,omitempty"`

	// Stuck is the number of jobs with status stuck
	Stuck int `json:"stuck,omitempty"`

	// Percentage is Completed/Total*100, or 0 when Total is 0
	Percentage float64 `json:"percentage"`
}

// FlowJobRecord is the durable shadow of one node in a flow's job tree.
type FlowJobRecord struct {
	// JobID is the external job id assigned by the queue substrate
	JobID string `json:"job_id"`

	// FlowID is the ID of the owning flow
	FlowID string `json:"flow_id"`

	// Queue is the queue the job was submitted to
	Queue string `json:"queue"`

	// Name is the handler name the job dispatches to
	Name string `json:"name"`

	// Data is the job's input data, including the injected correlation context
	Data map[string]interface{} `json:"data,omitempty"`

	// Options holds the execution options the job was submitted with
	Options map[string]interface{} `json:"options,omitempty"`

	// Children lists the job IDs of the node's declared children
	Children []string `json:"children,omitempty"`

	// Status of the job
	Status JobStatus `json:"status"`

	// Result of the job, present when Status is completed
	Result interface{} `json:"result,omitempty"`

	// Error message, present when Status is failed
	Error string `json:"error,omitempty"`

	// UpdatedAt is when the record was last mutated by the event processor
	UpdatedAt time.Time `json:"updated_at"`
}

// CorrelationContext is the flow-identifying metadata stamp injected into
// every job's input data so any job can be traced back to its flow without
// a side lookup.
type CorrelationContext struct {
	// FlowID of the owning flow
	FlowID string `json:"flow_id"`

	// Parent is the handler name of the parent job, empty for the root
	Parent string `json:"parent,omitempty"`

	// InjectedAt is when the stamp was written
	InjectedAt time.Time `json:"injected_at"`
}

// CorrelationKey is the reserved key under which the correlation context is
// injected into a job's input data.
const CorrelationKey = "_flowqueue"

// JobDeletion reports the outcome of removing one job during flow deletion.
type JobDeletion struct {
	// JobID of the removed job
	JobID string `json:"job_id"`

	// Queue the job lived on
	Queue string `json:"queue"`

	// Removed indicates whether the substrate removal succeeded
	Removed bool `json:"removed"`

	// Error message if the removal failed
	Error string `json:"error,omitempty"`
}

// DeletionReport summarizes the per-job outcome of deleting a flow.
type DeletionReport struct {
	// FlowID of the deleted flow
	FlowID string `json:"flow_id"`

	// Total is the number of jobs that existed for the flow
	Total int `json:"total"`

	// Removed is the number of jobs successfully removed from the substrate
	Removed int `json:"removed"`

	// Failed is the number of jobs whose substrate removal failed
	Failed int `json:"failed"`

	// Jobs holds the per-job outcomes
	Jobs []JobDeletion `json:"jobs"`
}

// WebhookSubscription registers an external callback endpoint for a user's
// lifecycle events. The core only reads active subscriptions; creation and
// mutation belong to the excluded HTTP surface.
type WebhookSubscription struct {
	// ID of the subscription
	ID string `json:"id"`

	// UserID is the owning user
	UserID string `json:"user_id"`

	// URL is the endpoint the payload is POSTed to
	URL string `json:"url"`

	// EventType is one of the lifecycle event kinds, or "all" for every kind
	EventType string `json:"event_type"`

	// Active indicates whether the subscription receives deliveries
	Active bool `json:"active"`
}

// WildcardEventType matches every event kind in a webhook subscription.
const WildcardEventType = "all"

// TerminalJob reports whether a job status is terminal.
func TerminalJob(s JobStatus) bool {
	return s == JobCompleted || s == JobFailed
}

// TerminalFlow reports whether a flow status is terminal.
func TerminalFlow(s FlowStatus) bool {
	return s == FlowCompleted || s == FlowFailed || s == FlowCancelled
}
