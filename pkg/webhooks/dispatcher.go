package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/tcmartin/flowqueue/pkg/logging"
	"github.com/tcmartin/flowqueue/pkg/notify"
	"github.com/tcmartin/flowqueue/pkg/queue"
	"github.com/tcmartin/flowqueue/pkg/storage"
)

// DispatcherOptions configure how delivery tasks are enqueued.
type DispatcherOptions struct {
	// DeliveryQueue is the dedicated queue delivery tasks run on
	DeliveryQueue string

	// Attempts bounds queue-level redelivery of a failed delivery task
	Attempts int

	// Backoff is the delay between queue-level redeliveries
	Backoff time.Duration
}

// Dispatcher matches lifecycle notifications against a user's active
// webhook subscriptions and enqueues one delivery task per match.
type Dispatcher struct {
	subs   storage.SubscriptionStore
	queue  queue.Queue
	opts   DispatcherOptions
	logger logging.Logger
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(subs storage.SubscriptionStore, q queue.Queue, opts DispatcherOptions, logger logging.Logger) *Dispatcher {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 30 * time.Second
	}
	return &Dispatcher{
		subs:   subs,
		queue:  q,
		opts:   opts,
		logger: logger,
	}
}

// Dispatch enqueues a delivery task for every active subscription of the
// message's owner whose event type matches the message kind, exactly or
// through the wildcard type.
func (d *Dispatcher) Dispatch(ctx context.Context, msg notify.Message) error {
	if msg.UserID == "" {
		return nil
	}

	matches, err := d.subs.ActiveSubscriptions(msg.UserID, string(msg.Kind))
	if err != nil {
		return fmt.Errorf("failed to match subscriptions: %w", err)
	}

	for _, sub := range matches {
		task := DeliveryTask{
			SubscriptionID: sub.ID,
			URL:            sub.URL,
			Kind:           string(msg.Kind),
			JobID:          msg.JobID,
			JobName:        msg.JobName,
			FlowID:         msg.FlowID,
			UserID:         msg.UserID,
			Payload:        msg.Payload,
			Result:         msg.Result,
			Error:          msg.Error,
			Timestamp:      msg.Timestamp,
		}

		jobID, err := d.queue.Enqueue(ctx, d.opts.DeliveryQueue, DeliveryHandlerName, taskData(task), queue.JobOptions{
			Attempts: d.opts.Attempts,
			Backoff:  d.opts.Backoff,
		})
		if err != nil {
			d.logger.Error("failed to enqueue webhook delivery",
				logging.F("subscription_id", sub.ID),
				logging.F("url", sub.URL),
				logging.F("error", err.Error()))
			continue
		}
		d.logger.Debug("enqueued webhook delivery",
			logging.F("subscription_id", sub.ID),
			logging.F("delivery_job_id", jobID),
			logging.F("kind", task.Kind))
	}
	return nil
}

// taskData flattens a delivery task into job input data.
func taskData(task DeliveryTask) map[string]interface{} {
	data := map[string]interface{}{
		"subscription_id": task.SubscriptionID,
		"url":             task.URL,
		"kind":            task.Kind,
		"job_id":          task.JobID,
		"timestamp":       task.Timestamp.Format(time.RFC3339Nano),
	}
	if task.JobName != "" {
		data["job_name"] = task.JobName
	}
	if task.FlowID != "" {
		data["flow_id"] = task.FlowID
	}
	if task.UserID != "" {
		data["user_id"] = task.UserID
	}
	if task.Payload != nil {
		data["payload"] = task.Payload
	}
	if task.Result != nil {
		data["result"] = task.Result
	}
	if task.Error != "" {
		data["error"] = task.Error
	}
	return data
}

// taskFromData rebuilds a delivery task from job input data.
func taskFromData(data map[string]interface{}) DeliveryTask {
	task := DeliveryTask{
		Payload: data["payload"],
		Result:  data["result"],
	}
	if v, ok := data["subscription_id"].(string); ok {
		task.SubscriptionID = v
	}
	if v, ok := data["url"].(string); ok {
		task.URL = v
	}
	if v, ok := data["kind"].(string); ok {
		task.Kind = v
	}
	if v, ok := data["job_id"].(string); ok {
		task.JobID = v
	}
	if v, ok := data["job_name"].(string); ok {
		task.JobName = v
	}
	if v, ok := data["flow_id"].(string); ok {
		task.FlowID = v
	}
	if v, ok := data["user_id"].(string); ok {
		task.UserID = v
	}
	if v, ok := data["error"].(string); ok {
		task.Error = v
	}
	if v, ok := data["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			task.Timestamp = ts
		}
	}
	return task
}
