package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowqueue/pkg/handlers"
	"github.com/tcmartin/flowqueue/pkg/logging"
	"github.com/tcmartin/flowqueue/pkg/models"
	"github.com/tcmartin/flowqueue/pkg/notify"
	"github.com/tcmartin/flowqueue/pkg/queue"
	"github.com/tcmartin/flowqueue/pkg/storage"
)

// recordingDeliverer captures dispatched messages for assertions.
type recordingDeliverer struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (d *recordingDeliverer) Dispatch(ctx context.Context, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *recordingDeliverer) messages() []notify.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Message(nil), d.msgs...)
}

type processorHarness struct {
	queue     *queue.MemoryQueue
	provider  storage.Provider
	registry  handlers.Registry
	service   *Service
	bus       *notify.Bus
	deliverer *recordingDeliverer
	processor *Processor
	worker    *queue.Worker
	cancel    context.CancelFunc
}

func newProcessorHarness(t *testing.T, deliveryQueue string) *processorHarness {
	t.Helper()

	q := queue.NewMemoryQueue()
	provider := storage.NewMemoryProvider()
	require.NoError(t, provider.Initialize())

	registry := handlers.NewRegistry()
	logger := logging.NewNopLogger()
	service := NewService(q, provider, logger)
	bus := notify.NewBus()
	deliverer := &recordingDeliverer{}

	processor := NewProcessor(q, service, bus, deliverer, deliveryQueue, logger)
	processor.Start([]string{"default"})

	worker := queue.NewWorker(q, registry, "default", 2, logger)
	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)

	t.Cleanup(func() {
		cancel()
		processor.Stop()
		q.Close()
		worker.Wait()
	})

	return &processorHarness{
		queue:     q,
		provider:  provider,
		registry:  registry,
		service:   service,
		bus:       bus,
		deliverer: deliverer,
		processor: processor,
		worker:    worker,
		cancel:    cancel,
	}
}

// waitForFlowStatus reads flow-topic messages until the wanted status
// arrives or the deadline passes.
func waitForFlowStatus(t *testing.T, ch <-chan notify.Message, want models.FlowStatus) notify.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.FlowStatus == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for flow status %s", want)
			return notify.Message{}
		}
	}
}

func TestProcessorCompletesFlow(t *testing.T) {
	h := newProcessorHarness(t, "webhook-delivery")

	require.NoError(t, h.registry.Register(handlers.Descriptor{
		Name: "work",
		Execute: func(ctx context.Context, job *handlers.JobContext) (interface{}, error) {
			return job.Data["value"], nil
		},
	}))

	flow, err := h.service.CreateFlow(context.Background(), CreateFlowRequest{
		Name: "pipeline",
		Root: &NodeSpec{
			Name:  "work",
			Queue: "default",
			Data:  map[string]interface{}{"value": "root-result"},
			Children: []*NodeSpec{
				{Name: "work", Queue: "default", Data: map[string]interface{}{"value": "left"}},
				{Name: "work", Queue: "default", Data: map[string]interface{}{"value": "right"}},
			},
		},
	}, "user-1")
	require.NoError(t, err)

	ch, cancel := h.bus.Subscribe(notify.FlowTopic(flow.ID))
	defer cancel()

	msg := waitForFlowStatus(t, ch, models.FlowCompleted)
	require.NotNil(t, msg.Summary)
	assert.Equal(t, 3, msg.Summary.Total)
	assert.Equal(t, 3, msg.Summary.Completed)
	assert.Equal(t, 100.0, msg.Summary.Percentage)

	stored, err := h.service.GetFlow(flow.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.FlowCompleted, stored.Status)
	assert.Equal(t, "root-result", stored.Result)

	// Completed events fan out to the webhook deliverer.
	assert.Eventually(t, func() bool {
		for _, m := range h.deliverer.messages() {
			if m.Kind == queue.EventCompleted && m.FlowID == flow.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestProcessorFailsFlow(t *testing.T) {
	h := newProcessorHarness(t, "webhook-delivery")

	require.NoError(t, h.registry.Register(handlers.Descriptor{
		Name: "explode",
		Execute: func(ctx context.Context, job *handlers.JobContext) (interface{}, error) {
			return nil, errors.New("kaboom")
		},
	}))

	flow, err := h.service.CreateFlow(context.Background(), CreateFlowRequest{
		Root: &NodeSpec{Name: "explode", Queue: "default"},
	}, "user-1")
	require.NoError(t, err)

	ch, cancel := h.bus.Subscribe(notify.FlowTopic(flow.ID))
	defer cancel()

	msg := waitForFlowStatus(t, ch, models.FlowFailed)
	assert.Contains(t, msg.Error, "kaboom")

	stored, err := h.service.GetFlow(flow.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.FlowFailed, stored.Status)
	assert.Contains(t, stored.Error, "kaboom")
}

func TestProcessorRelaysProgress(t *testing.T) {
	h := newProcessorHarness(t, "webhook-delivery")

	require.NoError(t, h.registry.Register(handlers.Descriptor{
		Name: "reporter",
		Execute: func(ctx context.Context, job *handlers.JobContext) (interface{}, error) {
			require.NoError(t, job.Progress(42))
			require.NoError(t, job.Delta("chunk-1"))
			return "done", nil
		},
	}))

	flow, err := h.service.CreateFlow(context.Background(), CreateFlowRequest{
		Root: &NodeSpec{Name: "reporter", Queue: "default"},
	}, "user-1")
	require.NoError(t, err)

	ch, cancel := h.bus.Subscribe(notify.FlowTopic(flow.ID))
	defer cancel()

	var sawProgress, sawDelta bool
	deadline := time.After(5 * time.Second)
	for !(sawProgress && sawDelta) {
		select {
		case msg := <-ch:
			switch msg.Kind {
			case queue.EventProgress:
				sawProgress = true
				assert.EqualValues(t, 42, msg.Payload)
			case queue.EventDelta:
				sawDelta = true
				assert.Equal(t, "chunk-1", msg.Payload)
			}
		case <-deadline:
			t.Fatal("timed out waiting for progress and delta messages")
		}
	}

	// Progress never folds into the aggregated percentage.
	waitForFlowStatus(t, ch, models.FlowCompleted)
	stored, err := h.service.GetFlow(flow.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, stored.Progress.Percentage)
}

func TestProcessorTracksJobFromCorrelationStamp(t *testing.T) {
	h := newProcessorHarness(t, "webhook-delivery")

	require.NoError(t, h.registry.Register(handlers.Descriptor{
		Name: "work",
		Execute: func(ctx context.Context, job *handlers.JobContext) (interface{}, error) {
			return "ok", nil
		},
	}))

	// A flow record exists but its job was submitted outside CreateFlow,
	// so only the correlation stamp ties the job back to the flow.
	flow := models.Flow{
		ID:     "flow-lazy",
		Name:   "lazy",
		UserID: "user-1",
		Status: models.FlowPending,
	}
	require.NoError(t, h.provider.GetFlowStore().SaveFlow(flow))

	_, err := h.queue.Enqueue(context.Background(), "default", "work", map[string]interface{}{
		models.CorrelationKey: map[string]interface{}{"flow_id": flow.ID},
	}, queue.JobOptions{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		stored, err := h.provider.GetFlowStore().GetFlow(flow.ID)
		return err == nil && stored.Status == models.FlowCompleted
	}, 5*time.Second, 20*time.Millisecond)

	records, err := h.provider.GetFlowJobStore().ListJobs(flow.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestProcessorIgnoresUntrackedJobs(t *testing.T) {
	h := newProcessorHarness(t, "webhook-delivery")

	require.NoError(t, h.registry.Register(handlers.Descriptor{
		Name: "plain",
		Execute: func(ctx context.Context, job *handlers.JobContext) (interface{}, error) {
			return "ok", nil
		},
	}))

	jobID, err := h.queue.Enqueue(context.Background(), "default", "plain", nil, queue.JobOptions{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		job, err := h.queue.GetJob(context.Background(), "default", jobID)
		return err == nil && job.Status == models.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)

	// No shadow record appears for a job without a correlation stamp.
	_, err = h.service.GetJobRecord(jobID)
	assert.ErrorIs(t, err, storage.ErrJobRecordNotFound)
}

func TestProcessorSkipsDeliveryForDeliveryQueue(t *testing.T) {
	// The delivery queue's own lifecycle events must not produce more
	// webhook deliveries.
	h := newProcessorHarness(t, "default")

	require.NoError(t, h.registry.Register(handlers.Descriptor{
		Name: "work",
		Execute: func(ctx context.Context, job *handlers.JobContext) (interface{}, error) {
			return "ok", nil
		},
	}))

	flow, err := h.service.CreateFlow(context.Background(), CreateFlowRequest{
		Root: &NodeSpec{Name: "work", Queue: "default"},
	}, "user-1")
	require.NoError(t, err)

	ch, cancel := h.bus.Subscribe(notify.FlowTopic(flow.ID))
	defer cancel()
	waitForFlowStatus(t, ch, models.FlowCompleted)

	assert.Empty(t, h.deliverer.messages())
}
