package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/tcmartin/flowqueue/pkg/handlers"
	"github.com/tcmartin/flowqueue/pkg/logging"
	"github.com/tcmartin/flowqueue/pkg/utils"
)

// DeliveryOptions configure the outbound POST behavior.
type DeliveryOptions struct {
	// Timeout bounds each outbound request
	Timeout time.Duration

	// Retries is the number of immediate in-process retries after the
	// first failed attempt
	Retries int
}

// DeliveryWorker performs the outbound POST for queued delivery tasks.
// Each task gets the worker's immediate retries first; when those are
// exhausted the task fails back to the queue, whose bounded attempts and
// backoff govern redelivery.
type DeliveryWorker struct {
	client *utils.HTTPClient
	opts   DeliveryOptions
	logger logging.Logger
}

// NewDeliveryWorker creates a delivery worker.
func NewDeliveryWorker(client *utils.HTTPClient, opts DeliveryOptions, logger logging.Logger) *DeliveryWorker {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &DeliveryWorker{
		client: client,
		opts:   opts,
		logger: logger,
	}
}

// Descriptor returns the handler descriptor that binds the worker to the
// delivery queue.
func (w *DeliveryWorker) Descriptor() handlers.Descriptor {
	return handlers.Descriptor{
		Name:        DeliveryHandlerName,
		Description: "Delivers a lifecycle event payload to a webhook endpoint",
		Execute:     w.execute,
	}
}

func (w *DeliveryWorker) execute(ctx context.Context, job *handlers.JobContext) (interface{}, error) {
	task := taskFromData(job.Data)
	if task.URL == "" {
		return nil, fmt.Errorf("delivery task has no url")
	}

	payload := DeliveryPayload{
		Event:     task.Kind,
		JobID:     task.JobID,
		JobName:   task.JobName,
		FlowID:    task.FlowID,
		UserID:    task.UserID,
		Result:    task.Result,
		Error:     task.Error,
		Timestamp: task.Timestamp,
	}
	switch task.Kind {
	case "progress":
		payload.Progress = task.Payload
	case "delta":
		payload.Content = task.Payload
	}

	var lastErr error
	for attempt := 0; attempt <= w.opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := w.client.Do(ctx, &utils.HTTPRequest{
			URL:     task.URL,
			Method:  "POST",
			Body:    payload,
			Timeout: w.opts.Timeout,
		})
		if err != nil {
			lastErr = err
		} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("endpoint returned status %d", resp.StatusCode)
		} else {
			return map[string]interface{}{
				"subscription_id": task.SubscriptionID,
				"status_code":     resp.StatusCode,
			}, nil
		}

		w.logger.Warn("webhook delivery attempt failed",
			logging.F("subscription_id", task.SubscriptionID),
			logging.F("url", task.URL),
			logging.F("attempt", attempt+1),
			logging.F("error", lastErr.Error()))
	}

	return nil, fmt.Errorf("delivery to %s failed: %w", task.URL, lastErr)
}
