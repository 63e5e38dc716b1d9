package flow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tcmartin/flowqueue/pkg/logging"
	"github.com/tcmartin/flowqueue/pkg/models"
	"github.com/tcmartin/flowqueue/pkg/queue"
	"github.com/tcmartin/flowqueue/pkg/storage"
)

// Errors returned by the flow service
var (
	ErrInvalidFlow = errors.New("invalid flow definition")
)

// lockStripes is the number of mutexes progress merges are striped across.
const lockStripes = 64

// NodeSpec describes one node of a flow to create.
type NodeSpec struct {
	// Name is the handler name for the node's job
	Name string `json:"name"`

	// Queue the node's job is submitted to
	Queue string `json:"queue"`

	// Data is the node's input data
	Data map[string]interface{} `json:"data,omitempty"`

	// Opts are the node's scheduling options
	Opts queue.JobOptions `json:"opts,omitempty"`

	// Children are the node's dependency children
	Children []*NodeSpec `json:"children,omitempty"`
}

// CreateFlowRequest is the input to Service.CreateFlow.
type CreateFlowRequest struct {
	// Name is the human-readable flow name
	Name string `json:"name"`

	// Root is the root of the job dependency tree
	Root *NodeSpec `json:"root"`
}

// JobUpdate carries one job's lifecycle change into a flow merge.
type JobUpdate struct {
	// JobID of the job that changed
	JobID string

	// Status the job moved to
	Status models.JobStatus

	// Result of the job, for completed updates
	Result interface{}

	// Error message, for failed updates
	Error string
}

// Service composes flows onto the queue substrate and maintains their
// durable state. Progress merges for the same flow are serialized through
// striped locks, plus the store's cross-process lock when it offers one,
// so concurrent sibling events never lose updates.
type Service struct {
	queue     queue.Queue
	flowStore storage.FlowStore
	jobStore  storage.FlowJobStore
	logger    logging.Logger

	locks [lockStripes]sync.Mutex
}

// NewService creates a flow service.
func NewService(q queue.Queue, provider storage.Provider, logger logging.Logger) *Service {
	return &Service{
		queue:     q,
		flowStore: provider.GetFlowStore(),
		jobStore:  provider.GetFlowJobStore(),
		logger:    logger,
	}
}

// lock returns the stripe lock for a flow ID.
func (s *Service) lock(flowID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(flowID))
	return &s.locks[h.Sum32()%lockStripes]
}

// lockFlow serializes a flow mutation. The stripe mutex covers goroutines
// within this process; when the flow store also implements FlowLocker, a
// cross-process lock is taken on top so multiple processor instances
// sharing one backend cannot interleave read-modify-write updates. The
// returned function releases both.
func (s *Service) lockFlow(flowID string) (func(), error) {
	mu := s.lock(flowID)
	mu.Lock()
	locker, ok := s.flowStore.(storage.FlowLocker)
	if !ok {
		return mu.Unlock, nil
	}
	unlock, err := locker.LockFlow(flowID)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("failed to lock flow: %w", err)
	}
	return func() {
		unlock()
		mu.Unlock()
	}, nil
}

// CreateFlow validates a flow definition, stamps every node with the flow's
// correlation context, submits the tree to the substrate, and persists a
// shadow record per job. A submission failure marks the flow failed with no
// job records written; a record-persistence failure after submission is
// logged and skipped so the already-running tree stays trackable through
// its correlation stamps.
func (s *Service) CreateFlow(ctx context.Context, req CreateFlowRequest, userID string) (models.Flow, error) {
	if req.Root == nil || req.Root.Name == "" || req.Root.Queue == "" {
		return models.Flow{}, fmt.Errorf("%w: root name and queue are required", ErrInvalidFlow)
	}

	now := time.Now()
	flow := models.Flow{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Handler:   req.Root.Name,
		Queue:     req.Root.Queue,
		UserID:    userID,
		Status:    models.FlowPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if flow.Name == "" {
		flow.Name = req.Root.Name
	}

	if err := s.flowStore.SaveFlow(flow); err != nil {
		return models.Flow{}, fmt.Errorf("failed to save flow: %w", err)
	}

	root := s.buildTree(req.Root, flow.ID, "")
	tree, err := s.queue.AddFlowTree(ctx, root)
	if err != nil {
		flow.Status = models.FlowFailed
		flow.Error = err.Error()
		flow.UpdatedAt = time.Now()
		flow.CompletedAt = flow.UpdatedAt
		if uerr := s.flowStore.UpdateFlow(flow); uerr != nil {
			s.logger.Error("failed to mark flow failed", logging.F("flow_id", flow.ID), logging.F("error", uerr.Error()))
		}
		return flow, fmt.Errorf("failed to submit flow tree: %w", err)
	}

	s.persistTree(flow.ID, tree)
	return flow, nil
}

// buildTree converts a node spec into a substrate tree node, injecting the
// flow's correlation context into every node's data under the reserved key.
func (s *Service) buildTree(spec *NodeSpec, flowID, parent string) *queue.TreeNode {
	data := make(map[string]interface{}, len(spec.Data)+1)
	for k, v := range spec.Data {
		data[k] = v
	}
	data[models.CorrelationKey] = models.CorrelationContext{
		FlowID:     flowID,
		Parent:     parent,
		InjectedAt: time.Now(),
	}

	node := &queue.TreeNode{
		Name:  spec.Name,
		Queue: spec.Queue,
		Data:  data,
		Opts:  spec.Opts,
	}
	for _, child := range spec.Children {
		node.Children = append(node.Children, s.buildTree(child, flowID, spec.Name))
	}
	return node
}

// persistTree writes one shadow record per submitted job. Failures are
// logged per record and do not abort the remaining records.
func (s *Service) persistTree(flowID string, tree *queue.TreeJob) {
	tree.Walk(func(job *queue.TreeJob) {
		record := models.FlowJobRecord{
			JobID:     job.JobID,
			FlowID:    flowID,
			Queue:     job.Queue,
			Name:      job.Name,
			Data:      job.Data,
			Status:    models.JobWaiting,
			UpdatedAt: time.Now(),
		}
		if len(job.Children) > 0 {
			record.Status = models.JobWaitingChildren
			for _, c := range job.Children {
				record.Children = append(record.Children, c.JobID)
			}
		}
		if err := s.jobStore.SaveJob(record); err != nil {
			s.logger.Warn("failed to persist flow job record",
				logging.F("flow_id", flowID),
				logging.F("job_id", job.JobID),
				logging.F("error", err.Error()))
		}
	})
}

// GetFlow retrieves a flow owned by a user.
func (s *Service) GetFlow(flowID, userID string) (models.Flow, error) {
	flow, err := s.flowStore.GetFlow(flowID)
	if err != nil {
		return models.Flow{}, err
	}
	if flow.UserID != userID {
		return models.Flow{}, storage.ErrFlowNotFound
	}
	return flow, nil
}

// ListFlows returns all flows owned by a user.
func (s *Service) ListFlows(userID string) ([]models.Flow, error) {
	return s.flowStore.ListFlows(userID)
}

// ListJobs returns the shadow records of a flow's job tree.
func (s *Service) ListJobs(flowID string) ([]models.FlowJobRecord, error) {
	return s.jobStore.ListJobs(flowID)
}

// GetJobRecord retrieves one job's shadow record by substrate job ID.
func (s *Service) GetJobRecord(jobID string) (models.FlowJobRecord, error) {
	return s.jobStore.GetJob(jobID)
}

// TrackJob persists a shadow record for a job discovered outside of
// CreateFlow, such as one resolved lazily from its correlation stamp.
func (s *Service) TrackJob(record models.FlowJobRecord) error {
	record.UpdatedAt = time.Now()
	return s.jobStore.SaveJob(record)
}

// UpdateFlowProgress merges one job's lifecycle change into its flow,
// re-derives the flow's status from the full tracked-job map, and returns
// the updated flow. Merges for the same flow are serialized; a cancelled
// flow keeps its overlay status but its job records still track.
func (s *Service) UpdateFlowProgress(flowID string, update JobUpdate) (models.Flow, error) {
	unlock, err := s.lockFlow(flowID)
	if err != nil {
		return models.Flow{}, err
	}
	defer unlock()

	record, err := s.jobStore.GetJob(update.JobID)
	if err != nil {
		return models.Flow{}, err
	}
	record.Status = update.Status
	record.UpdatedAt = time.Now()
	if update.Result != nil {
		record.Result = update.Result
	}
	if update.Error != "" {
		record.Error = update.Error
	}
	if err := s.jobStore.UpdateJob(record); err != nil {
		return models.Flow{}, fmt.Errorf("failed to update job record: %w", err)
	}

	flow, err := s.flowStore.GetFlow(flowID)
	if err != nil {
		return models.Flow{}, err
	}

	records, err := s.jobStore.ListJobs(flowID)
	if err != nil {
		return models.Flow{}, fmt.Errorf("failed to list job records: %w", err)
	}

	tracked := make(map[string]models.JobStatus, len(records))
	for _, r := range records {
		tracked[r.JobID] = r.Status
	}
	summary, status := Aggregate(tracked)

	flow.Progress = summary
	flow.UpdatedAt = time.Now()
	if flow.Status != models.FlowCancelled {
		if flow.StartedAt.IsZero() && status == models.FlowRunning {
			flow.StartedAt = flow.UpdatedAt
		}
		if !models.TerminalFlow(flow.Status) && models.TerminalFlow(status) {
			flow.CompletedAt = flow.UpdatedAt
		}
		flow.Status = status
		if status == models.FlowCompleted {
			if root := rootRecord(records); root != nil {
				flow.Result = root.Result
			}
		}
		if status == models.FlowFailed && update.Status == models.JobFailed {
			flow.Error = update.Error
		}
	}

	if err := s.flowStore.UpdateFlow(flow); err != nil {
		return models.Flow{}, fmt.Errorf("failed to update flow: %w", err)
	}
	return flow, nil
}

// rootRecord finds the record that no other record lists as a child.
func rootRecord(records []models.FlowJobRecord) *models.FlowJobRecord {
	child := make(map[string]bool)
	for _, r := range records {
		for _, c := range r.Children {
			child[c] = true
		}
	}
	for i := range records {
		if !child[records[i].JobID] {
			return &records[i]
		}
	}
	return nil
}

// CancelFlow marks a flow cancelled. Cancellation is an administrative
// overlay on the flow record; jobs already submitted to the substrate keep
// running and their records keep tracking.
func (s *Service) CancelFlow(flowID, userID string) (models.Flow, error) {
	unlock, err := s.lockFlow(flowID)
	if err != nil {
		return models.Flow{}, err
	}
	defer unlock()

	flow, err := s.flowStore.GetFlow(flowID)
	if err != nil {
		return models.Flow{}, err
	}
	if flow.UserID != userID {
		return models.Flow{}, storage.ErrFlowNotFound
	}
	if models.TerminalFlow(flow.Status) {
		return flow, nil
	}

	flow.Status = models.FlowCancelled
	flow.UpdatedAt = time.Now()
	flow.CompletedAt = flow.UpdatedAt
	if err := s.flowStore.UpdateFlow(flow); err != nil {
		return models.Flow{}, fmt.Errorf("failed to cancel flow: %w", err)
	}
	return flow, nil
}

// DeleteFlow removes a flow, all of its job records, and attempts to remove
// each job from the substrate. Substrate removal failures are reported per
// job and never abort the deletion of the durable records.
func (s *Service) DeleteFlow(ctx context.Context, flowID, userID string) (models.DeletionReport, error) {
	flow, err := s.flowStore.GetFlow(flowID)
	if err != nil {
		return models.DeletionReport{}, err
	}
	if flow.UserID != userID {
		return models.DeletionReport{}, storage.ErrFlowNotFound
	}

	records, err := s.jobStore.ListJobs(flowID)
	if err != nil {
		return models.DeletionReport{}, fmt.Errorf("failed to list job records: %w", err)
	}

	report := models.DeletionReport{FlowID: flowID, Total: len(records)}
	for _, r := range records {
		outcome := models.JobDeletion{JobID: r.JobID, Queue: r.Queue, Removed: true}
		if err := s.queue.RemoveJob(ctx, r.Queue, r.JobID); err != nil {
			outcome.Removed = false
			outcome.Error = err.Error()
			report.Failed++
			s.logger.Warn("failed to remove job from substrate",
				logging.F("flow_id", flowID),
				logging.F("job_id", r.JobID),
				logging.F("error", err.Error()))
		} else {
			report.Removed++
		}
		report.Jobs = append(report.Jobs, outcome)
	}

	if err := s.jobStore.DeleteJobs(flowID); err != nil {
		return report, fmt.Errorf("failed to delete job records: %w", err)
	}
	if err := s.flowStore.DeleteFlow(flowID); err != nil {
		return report, fmt.Errorf("failed to delete flow: %w", err)
	}
	return report, nil
}
