package flow

import (
	"context"
	"errors"

	"github.com/tcmartin/flowqueue/pkg/logging"
	"github.com/tcmartin/flowqueue/pkg/models"
	"github.com/tcmartin/flowqueue/pkg/notify"
	"github.com/tcmartin/flowqueue/pkg/queue"
	"github.com/tcmartin/flowqueue/pkg/storage"
)

// Deliverer fans a notification out to external webhook endpoints.
// Implementations enqueue delivery work rather than POST inline.
type Deliverer interface {
	Dispatch(ctx context.Context, msg notify.Message) error
}

// Processor consumes the substrate's lifecycle event stream and turns it
// into flow state: it merges each job event into its owning flow, re-derives
// the flow's status, and fans the result out to the notification bus and the
// webhook deliverer.
type Processor struct {
	queue         queue.Queue
	service       *Service
	bus           *notify.Bus
	deliverer     Deliverer
	deliveryQueue string
	logger        logging.Logger

	unsubscribes []queue.Unsubscribe
}

// NewProcessor creates a lifecycle event processor. deliverer may be nil
// when webhook fan-out is disabled; deliveryQueue names the queue whose own
// events are excluded from webhook delivery.
func NewProcessor(q queue.Queue, service *Service, bus *notify.Bus, deliverer Deliverer, deliveryQueue string, logger logging.Logger) *Processor {
	return &Processor{
		queue:         q,
		service:       service,
		bus:           bus,
		deliverer:     deliverer,
		deliveryQueue: deliveryQueue,
		logger:        logger,
	}
}

// Start subscribes the processor to every lifecycle event kind on each of
// the given queues.
func (p *Processor) Start(queues []string) {
	for _, queueName := range queues {
		for _, kind := range queue.AllEventKinds() {
			unsub := p.queue.Subscribe(queueName, kind, p.handleEvent)
			p.unsubscribes = append(p.unsubscribes, unsub)
		}
	}
	p.logger.Info("event processor started", logging.F("queues", queues))
}

// Stop removes the processor's event subscriptions.
func (p *Processor) Stop() {
	for _, unsub := range p.unsubscribes {
		unsub()
	}
	p.unsubscribes = nil
}

func (p *Processor) handleEvent(ev queue.Event) {
	ctx := context.Background()

	record, err := p.resolveRecord(ctx, ev)
	if err != nil {
		if !errors.Is(err, errNotFlowJob) {
			p.logger.Debug("dropping event for unresolvable job",
				logging.F("queue", ev.Queue),
				logging.F("job_id", ev.JobID),
				logging.F("kind", string(ev.Kind)),
				logging.F("error", err.Error()))
		}
		return
	}

	switch ev.Kind {
	case queue.EventProgress, queue.EventDelta:
		p.relay(ctx, record, ev)
	default:
		p.merge(ctx, record, ev)
	}
}

// errNotFlowJob marks events for jobs that carry no correlation stamp.
var errNotFlowJob = errors.New("job is not flow-tracked")

// resolveRecord finds the shadow record for the event's job, creating one
// lazily from the job's correlation stamp when the record is missing.
func (p *Processor) resolveRecord(ctx context.Context, ev queue.Event) (models.FlowJobRecord, error) {
	record, err := p.service.GetJobRecord(ev.JobID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, storage.ErrJobRecordNotFound) {
		return models.FlowJobRecord{}, err
	}

	job, err := p.queue.GetJob(ctx, ev.Queue, ev.JobID)
	if err != nil {
		return models.FlowJobRecord{}, err
	}
	flowID := correlationFlowID(job.Data)
	if flowID == "" {
		return models.FlowJobRecord{}, errNotFlowJob
	}

	children := make([]string, 0, len(job.Children))
	for _, ref := range job.Children {
		children = append(children, ref.ID)
	}
	record = models.FlowJobRecord{
		JobID:    job.ID,
		FlowID:   flowID,
		Queue:    job.Queue,
		Name:     job.Name,
		Data:     job.Data,
		Children: children,
		Status:   job.Status,
	}
	if err := p.service.TrackJob(record); err != nil {
		return models.FlowJobRecord{}, err
	}
	p.logger.Info("tracked job from correlation stamp",
		logging.F("flow_id", flowID),
		logging.F("job_id", job.ID))
	return record, nil
}

// correlationFlowID extracts the flow ID from a job's correlation stamp.
// The stamp is a CorrelationContext in-process and a generic map after a
// JSON round trip through the substrate.
func correlationFlowID(data map[string]interface{}) string {
	raw, ok := data[models.CorrelationKey]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case models.CorrelationContext:
		return v.FlowID
	case map[string]interface{}:
		if id, ok := v["flow_id"].(string); ok {
			return id
		}
	}
	return ""
}

// merge folds a status-changing event into the owning flow and fans the
// recomputed flow state out.
func (p *Processor) merge(ctx context.Context, record models.FlowJobRecord, ev queue.Event) {
	update := JobUpdate{JobID: ev.JobID, Status: statusFor(ev.Kind)}
	if ev.Kind == queue.EventCompleted {
		update.Result = ev.Result
	}
	if ev.Kind == queue.EventFailed {
		update.Error = ev.Error
	}

	flow, err := p.service.UpdateFlowProgress(record.FlowID, update)
	if err != nil {
		if errors.Is(err, storage.ErrFlowNotFound) || errors.Is(err, storage.ErrJobRecordNotFound) {
			p.logger.Debug("dropping event for deleted flow",
				logging.F("flow_id", record.FlowID),
				logging.F("job_id", ev.JobID))
			return
		}
		p.logger.Error("failed to merge flow progress",
			logging.F("flow_id", record.FlowID),
			logging.F("job_id", ev.JobID),
			logging.F("error", err.Error()))
		return
	}

	msg := notify.Message{
		Kind:       ev.Kind,
		JobID:      ev.JobID,
		JobName:    ev.Name,
		FlowID:     flow.ID,
		UserID:     flow.UserID,
		FlowStatus: flow.Status,
		Summary:    &flow.Progress,
		Result:     ev.Result,
		Error:      ev.Error,
		Timestamp:  ev.Timestamp,
	}
	p.publish(msg)

	if ev.Kind == queue.EventCompleted || ev.Kind == queue.EventFailed {
		p.deliver(ctx, ev.Queue, msg)
	}
}

// relay re-emits a progress or streaming-delta event to the job and user
// channels without touching the flow's aggregated percentage.
func (p *Processor) relay(ctx context.Context, record models.FlowJobRecord, ev queue.Event) {
	flow, err := p.service.flowStore.GetFlow(record.FlowID)
	if err != nil {
		p.logger.Debug("dropping event for deleted flow",
			logging.F("flow_id", record.FlowID),
			logging.F("job_id", ev.JobID))
		return
	}

	msg := notify.Message{
		Kind:      ev.Kind,
		JobID:     ev.JobID,
		JobName:   ev.Name,
		FlowID:    flow.ID,
		UserID:    flow.UserID,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}
	p.publish(msg)
	p.deliver(ctx, ev.Queue, msg)
}

// publish sends a message to the job, user, and flow topics it belongs to.
func (p *Processor) publish(msg notify.Message) {
	p.bus.Publish(notify.JobTopic(msg.JobID), msg)
	if msg.UserID != "" {
		p.bus.Publish(notify.UserTopic(msg.UserID), msg)
	}
	if msg.FlowID != "" {
		p.bus.Publish(notify.FlowTopic(msg.FlowID), msg)
	}
}

// deliver hands a message to the webhook deliverer unless the event came
// from the delivery queue itself.
func (p *Processor) deliver(ctx context.Context, sourceQueue string, msg notify.Message) {
	if p.deliverer == nil || sourceQueue == p.deliveryQueue {
		return
	}
	if err := p.deliverer.Dispatch(ctx, msg); err != nil {
		p.logger.Error("failed to dispatch webhook delivery",
			logging.F("flow_id", msg.FlowID),
			logging.F("job_id", msg.JobID),
			logging.F("error", err.Error()))
	}
}

// statusFor maps a lifecycle event kind to the job status it implies.
func statusFor(kind queue.EventKind) models.JobStatus {
	switch kind {
	case queue.EventWaiting:
		return models.JobWaiting
	case queue.EventActive:
		return models.JobActive
	case queue.EventCompleted:
		return models.JobCompleted
	case queue.EventFailed:
		return models.JobFailed
	case queue.EventDelayed:
		return models.JobDelayed
	case queue.EventPaused:
		return models.JobPaused
	case queue.EventWaitingChildren:
		return models.JobWaitingChildren
	default:
		return models.JobStuck
	}
}
