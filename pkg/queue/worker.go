package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tcmartin/flowqueue/pkg/handlers"
	"github.com/tcmartin/flowqueue/pkg/logging"
)

// Worker processes jobs from one queue, dispatching each through the
// handler registry. The descriptor is snapshotted at the instant a job is
// leased, so a concurrent hot reload never affects an in-flight execution.
type Worker struct {
	queue       Queue
	registry    handlers.Registry
	queueName   string
	concurrency int
	logger      logging.Logger

	wg sync.WaitGroup
}

// NewWorker creates a worker for a queue with the given concurrency.
func NewWorker(q Queue, registry handlers.Registry, queueName string, concurrency int, logger logging.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		registry:    registry,
		queueName:   queueName,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start launches the worker's processing loops. They stop when ctx is
// cancelled or the queue closes.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
}

// Wait blocks until every processing loop has stopped.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		job, err := w.queue.Lease(ctx, w.queueName)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
				return
			}
			w.logger.Error("failed to lease job",
				logging.F("queue", w.queueName), logging.F("error", err.Error()))
			continue
		}
		w.process(ctx, job)
	}
}

// process runs one job through its handler. Handler errors are recorded as
// job failures and never crash the worker.
func (w *Worker) process(ctx context.Context, job *Job) {
	descriptor, err := w.registry.Lookup(job.Name)
	if err != nil {
		w.fail(ctx, job, fmt.Sprintf("no handler registered for %q", job.Name))
		return
	}

	jobCtx := &handlers.JobContext{
		ID:    job.ID,
		Name:  job.Name,
		Queue: job.Queue,
		Data:  job.Data,
		Children: func(ctx context.Context) (map[string]interface{}, error) {
			return w.queue.ChildrenValues(ctx, job.Queue, job.ID)
		},
		Progress: func(value interface{}) error {
			return w.queue.ReportProgress(ctx, job.Queue, job.ID, value)
		},
		Delta: func(chunk string) error {
			return w.queue.ReportDelta(ctx, job.Queue, job.ID, chunk)
		},
	}

	result, err := w.execute(ctx, descriptor, jobCtx)
	if err != nil {
		w.fail(ctx, job, err.Error())
		return
	}
	if err := w.queue.Complete(ctx, job, result); err != nil {
		w.logger.Error("failed to record job completion",
			logging.F("job_id", job.ID), logging.F("error", err.Error()))
	}
}

// execute invokes the snapshotted descriptor, converting panics into errors.
func (w *Worker) execute(ctx context.Context, descriptor handlers.Descriptor, jobCtx *handlers.JobContext) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %q panicked: %v", jobCtx.Name, r)
		}
	}()
	return descriptor.Execute(ctx, jobCtx)
}

func (w *Worker) fail(ctx context.Context, job *Job, reason string) {
	w.logger.Warn("job failed",
		logging.F("job_id", job.ID), logging.F("name", job.Name), logging.F("reason", reason))
	if err := w.queue.Fail(ctx, job, reason); err != nil {
		w.logger.Error("failed to record job failure",
			logging.F("job_id", job.ID), logging.F("error", err.Error()))
	}
}
