// Package webhooks fans lifecycle notifications out to external HTTP
// endpoints. Matching subscriptions are turned into delivery tasks on a
// dedicated queue, where a worker performs the outbound POST with its own
// immediate retries; exhausted deliveries fall back to the queue's bounded
// attempts and backoff.
package webhooks

import (
	"time"
)

// DeliveryHandlerName is the handler name delivery tasks dispatch to.
const DeliveryHandlerName = "webhook.deliver"

// DeliveryTask is the payload of one queued webhook delivery.
type DeliveryTask struct {
	// SubscriptionID of the matched subscription
	SubscriptionID string `json:"subscription_id"`

	// URL the payload is POSTed to
	URL string `json:"url"`

	// Kind of the triggering lifecycle event
	Kind string `json:"kind"`

	// JobID of the triggering job
	JobID string `json:"job_id"`

	// JobName is the triggering job's handler name
	JobName string `json:"job_name,omitempty"`

	// FlowID of the owning flow
	FlowID string `json:"flow_id,omitempty"`

	// UserID of the owning user
	UserID string `json:"user_id,omitempty"`

	// Payload carries the progress value or streaming delta chunk
	Payload interface{} `json:"payload,omitempty"`

	// Result of the job for completed events
	Result interface{} `json:"result,omitempty"`

	// Error message for failed events
	Error string `json:"error,omitempty"`

	// Timestamp of the triggering event
	Timestamp time.Time `json:"timestamp"`
}

// DeliveryPayload is the JSON body POSTed to a subscriber's endpoint.
type DeliveryPayload struct {
	// Event is the lifecycle event kind
	Event string `json:"event"`

	// JobID of the triggering job
	JobID string `json:"job_id"`

	// JobName is the triggering job's handler name
	JobName string `json:"job_name,omitempty"`

	// FlowID of the owning flow
	FlowID string `json:"flow_id,omitempty"`

	// UserID of the owning user
	UserID string `json:"user_id,omitempty"`

	// Progress carries the progress value for progress events
	Progress interface{} `json:"progress,omitempty"`

	// Content carries the streaming chunk for delta events
	Content interface{} `json:"content,omitempty"`

	// Result of the job for completed events
	Result interface{} `json:"result,omitempty"`

	// Error message for failed events
	Error string `json:"error,omitempty"`

	// Timestamp of the triggering event
	Timestamp time.Time `json:"timestamp"`
}
