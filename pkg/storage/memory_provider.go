package storage

import (
	"fmt"
	"sync"

	"github.com/tcmartin/flowqueue/pkg/models"
)

// MemoryProvider implements the Provider interface using in-memory storage
type MemoryProvider struct {
	flowStore         *MemoryFlowStore
	flowJobStore      *MemoryFlowJobStore
	subscriptionStore *MemorySubscriptionStore
}

// NewMemoryProvider creates a new in-memory storage provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		flowStore:         NewMemoryFlowStore(),
		flowJobStore:      NewMemoryFlowJobStore(),
		subscriptionStore: NewMemorySubscriptionStore(),
	}
}

// Initialize sets up the storage backend
func (p *MemoryProvider) Initialize() error {
	return nil
}

// Close cleans up resources
func (p *MemoryProvider) Close() error {
	return nil
}

// GetFlowStore returns a store for flow records
func (p *MemoryProvider) GetFlowStore() FlowStore {
	return p.flowStore
}

// GetFlowJobStore returns a store for flow job records
func (p *MemoryProvider) GetFlowJobStore() FlowJobStore {
	return p.flowJobStore
}

// GetSubscriptionStore returns a store for webhook subscriptions
func (p *MemoryProvider) GetSubscriptionStore() SubscriptionStore {
	return p.subscriptionStore
}

// MemoryFlowStore is an in-memory implementation of FlowStore
type MemoryFlowStore struct {
	flows map[string]models.Flow
	mu    sync.RWMutex
}

// NewMemoryFlowStore creates a new in-memory flow store
func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{
		flows: make(map[string]models.Flow),
	}
}

// SaveFlow persists a new flow record
func (s *MemoryFlowStore) SaveFlow(flow models.Flow) error {
	if flow.ID == "" {
		return fmt.Errorf("flow requires an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.ID] = flow
	return nil
}

// GetFlow retrieves a flow record
func (s *MemoryFlowStore) GetFlow(flowID string) (models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flow, ok := s.flows[flowID]
	if !ok {
		return models.Flow{}, ErrFlowNotFound
	}
	return flow, nil
}

// ListFlows returns all flows owned by a user
func (s *MemoryFlowStore) ListFlows(userID string) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var flows []models.Flow
	for _, flow := range s.flows {
		if flow.UserID == userID {
			flows = append(flows, flow)
		}
	}
	return flows, nil
}

// UpdateFlow replaces a flow record
func (s *MemoryFlowStore) UpdateFlow(flow models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[flow.ID]; !ok {
		return ErrFlowNotFound
	}
	s.flows[flow.ID] = flow
	return nil
}

// DeleteFlow removes a flow record
func (s *MemoryFlowStore) DeleteFlow(flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[flowID]; !ok {
		return ErrFlowNotFound
	}
	delete(s.flows, flowID)
	return nil
}

// MemoryFlowJobStore is an in-memory implementation of FlowJobStore
type MemoryFlowJobStore struct {
	jobs map[string]models.FlowJobRecord
	mu   sync.RWMutex
}

// NewMemoryFlowJobStore creates a new in-memory flow job store
func NewMemoryFlowJobStore() *MemoryFlowJobStore {
	return &MemoryFlowJobStore{
		jobs: make(map[string]models.FlowJobRecord),
	}
}

// SaveJob persists a flow job record keyed by its external job ID
func (s *MemoryFlowJobStore) SaveJob(record models.FlowJobRecord) error {
	if record.JobID == "" {
		return fmt.Errorf("flow job record requires a job id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[record.JobID] = record
	return nil
}

// GetJob retrieves a flow job record by external job ID
func (s *MemoryFlowJobStore) GetJob(jobID string) (models.FlowJobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.jobs[jobID]
	if !ok {
		return models.FlowJobRecord{}, ErrJobRecordNotFound
	}
	return record, nil
}

// ListJobs returns all job records belonging to a flow
func (s *MemoryFlowJobStore) ListJobs(flowID string) ([]models.FlowJobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []models.FlowJobRecord
	for _, record := range s.jobs {
		if record.FlowID == flowID {
			records = append(records, record)
		}
	}
	return records, nil
}

// UpdateJob replaces a flow job record
func (s *MemoryFlowJobStore) UpdateJob(record models.FlowJobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[record.JobID]; !ok {
		return ErrJobRecordNotFound
	}
	s.jobs[record.JobID] = record
	return nil
}

// DeleteJobs removes every job record belonging to a flow
func (s *MemoryFlowJobStore) DeleteJobs(flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, record := range s.jobs {
		if record.FlowID == flowID {
			delete(s.jobs, jobID)
		}
	}
	return nil
}

// MemorySubscriptionStore is an in-memory implementation of SubscriptionStore
type MemorySubscriptionStore struct {
	subs map[string]models.WebhookSubscription
	mu   sync.RWMutex
}

// NewMemorySubscriptionStore creates a new in-memory subscription store
func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{
		subs: make(map[string]models.WebhookSubscription),
	}
}

// SaveSubscription persists a subscription
func (s *MemorySubscriptionStore) SaveSubscription(sub models.WebhookSubscription) error {
	if sub.ID == "" {
		return fmt.Errorf("subscription requires an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
	return nil
}

// GetSubscription retrieves a subscription
func (s *MemorySubscriptionStore) GetSubscription(id string) (models.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return models.WebhookSubscription{}, ErrSubscriptionNotFound
	}
	return sub, nil
}

// ListSubscriptions returns all subscriptions for a user
func (s *MemorySubscriptionStore) ListSubscriptions(userID string) ([]models.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var subs []models.WebhookSubscription
	for _, sub := range s.subs {
		if sub.UserID == userID {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// ActiveSubscriptions returns a user's active subscriptions matching an
// event kind, either exactly or through the wildcard type.
func (s *MemorySubscriptionStore) ActiveSubscriptions(userID, eventType string) ([]models.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var subs []models.WebhookSubscription
	for _, sub := range s.subs {
		if sub.UserID != userID || !sub.Active {
			continue
		}
		if sub.EventType == eventType || sub.EventType == models.WildcardEventType {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// DeleteSubscription removes a subscription
func (s *MemorySubscriptionStore) DeleteSubscription(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(s.subs, id)
	return nil
}
