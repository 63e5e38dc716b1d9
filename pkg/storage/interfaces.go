// Package storage provides interfaces for persistent storage.
package storage

import (
	"errors"

	"github.com/tcmartin/flowqueue/pkg/models"
)

// Errors returned by storage implementations
var (
	ErrFlowNotFound         = errors.New("flow not found")
	ErrJobRecordNotFound    = errors.New("flow job record not found")
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
)

// Provider defines the interface for persistence backends
type Provider interface {
	// Initialize sets up the storage backend
	Initialize() error

	// Close cleans up resources
	Close() error

	// GetFlowStore returns a store for flow records
	GetFlowStore() FlowStore

	// GetFlowJobStore returns a store for flow job records
	GetFlowJobStore() FlowJobStore

	// GetSubscriptionStore returns a store for webhook subscriptions
	GetSubscriptionStore() SubscriptionStore
}

// FlowStore manages flow record persistence
type FlowStore interface {
	// SaveFlow persists a new flow record
	SaveFlow(flow models.Flow) error

	// GetFlow retrieves a flow record
	GetFlow(flowID string) (models.Flow, error)

	// ListFlows returns all flows owned by a user
	ListFlows(userID string) ([]models.Flow, error)

	// UpdateFlow replaces a flow record
	UpdateFlow(flow models.Flow) error

	// DeleteFlow removes a flow record
	DeleteFlow(flowID string) error
}

// FlowLocker is an optional FlowStore extension for backends shared by
// multiple processor instances. LockFlow takes an exclusive cross-process
// lock on one flow and blocks until it is granted; the returned function
// releases it. Backends without a cross-process primitive simply do not
// implement it, and callers fall back to process-local serialization.
type FlowLocker interface {
	LockFlow(flowID string) (unlock func(), err error)
}

// FlowJobStore manages the durable shadows of a flow's job tree
type FlowJobStore interface {
	// SaveJob persists a flow job record keyed by its external job ID
	SaveJob(record models.FlowJobRecord) error

	// GetJob retrieves a flow job record by external job ID
	GetJob(jobID string) (models.FlowJobRecord, error)

	// ListJobs returns all job records belonging to a flow
	ListJobs(flowID string) ([]models.FlowJobRecord, error)

	// UpdateJob replaces a flow job record
	UpdateJob(record models.FlowJobRecord) error

	// DeleteJobs removes every job record belonging to a flow
	DeleteJobs(flowID string) error
}

// SubscriptionStore manages webhook subscription persistence. The core
// only reads subscriptions; writes belong to the external HTTP surface.
type SubscriptionStore interface {
	// SaveSubscription persists a subscription
	SaveSubscription(sub models.WebhookSubscription) error

	// GetSubscription retrieves a subscription
	GetSubscription(id string) (models.WebhookSubscription, error)

	// ListSubscriptions returns all subscriptions for a user
	ListSubscriptions(userID string) ([]models.WebhookSubscription, error)

	// ActiveSubscriptions returns a user's active subscriptions matching an
	// event kind, either exactly or through the wildcard type
	ActiveSubscriptions(userID, eventType string) ([]models.WebhookSubscription, error)

	// DeleteSubscription removes a subscription
	DeleteSubscription(id string) error
}
