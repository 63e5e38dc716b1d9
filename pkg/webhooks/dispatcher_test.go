package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowqueue/pkg/logging"
	"github.com/tcmartin/flowqueue/pkg/models"
	"github.com/tcmartin/flowqueue/pkg/notify"
	"github.com/tcmartin/flowqueue/pkg/queue"
	"github.com/tcmartin/flowqueue/pkg/storage"
)

const testDeliveryQueue = "webhook-delivery"

func newDispatcherFixture(t *testing.T) (*Dispatcher, *storage.MemorySubscriptionStore, queue.Queue) {
	t.Helper()
	q := queue.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })
	subs := storage.NewMemorySubscriptionStore()
	dispatcher := NewDispatcher(subs, q, DispatcherOptions{
		DeliveryQueue: testDeliveryQueue,
		Attempts:      2,
		Backoff:       10 * time.Millisecond,
	}, logging.NewNopLogger())
	return dispatcher, subs, q
}

func TestDispatchEnqueuesMatchingSubscriptions(t *testing.T) {
	dispatcher, subs, q := newDispatcherFixture(t)

	require.NoError(t, subs.SaveSubscription(models.WebhookSubscription{
		ID: "s-exact", UserID: "u-1", URL: "https://example.com/exact",
		EventType: "completed", Active: true,
	}))
	require.NoError(t, subs.SaveSubscription(models.WebhookSubscription{
		ID: "s-wild", UserID: "u-1", URL: "https://example.com/wild",
		EventType: models.WildcardEventType, Active: true,
	}))
	require.NoError(t, subs.SaveSubscription(models.WebhookSubscription{
		ID: "s-inactive", UserID: "u-1", URL: "https://example.com/off",
		EventType: "completed", Active: false,
	}))
	require.NoError(t, subs.SaveSubscription(models.WebhookSubscription{
		ID: "s-other", UserID: "u-2", URL: "https://example.com/other",
		EventType: "completed", Active: true,
	}))

	sent := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, dispatcher.Dispatch(context.Background(), notify.Message{
		Kind:      queue.EventCompleted,
		JobID:     "j-1",
		JobName:   "work",
		FlowID:    "f-1",
		UserID:    "u-1",
		Result:    "done",
		Timestamp: sent,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	urls := map[string]bool{}
	for i := 0; i < 2; i++ {
		job, err := q.Lease(ctx, testDeliveryQueue)
		require.NoError(t, err)
		assert.Equal(t, DeliveryHandlerName, job.Name)
		assert.Equal(t, 2, job.Opts.Attempts)
		assert.Equal(t, 10*time.Millisecond, job.Opts.Backoff)

		task := taskFromData(job.Data)
		urls[task.URL] = true
		assert.Equal(t, "completed", task.Kind)
		assert.Equal(t, "j-1", task.JobID)
		assert.Equal(t, "work", task.JobName)
		assert.Equal(t, "f-1", task.FlowID)
		assert.Equal(t, "u-1", task.UserID)
		assert.Equal(t, "done", task.Result)
		assert.True(t, task.Timestamp.Equal(sent))
	}
	assert.True(t, urls["https://example.com/exact"])
	assert.True(t, urls["https://example.com/wild"])
}

func TestDispatchSkipsAnonymousMessages(t *testing.T) {
	dispatcher, subs, q := newDispatcherFixture(t)

	require.NoError(t, subs.SaveSubscription(models.WebhookSubscription{
		ID: "s-1", UserID: "u-1", URL: "https://example.com/hook",
		EventType: models.WildcardEventType, Active: true,
	}))

	require.NoError(t, dispatcher.Dispatch(context.Background(), notify.Message{
		Kind:  queue.EventCompleted,
		JobID: "j-1",
	}))

	// Only the marker should be waiting on the delivery queue.
	_, err := q.Enqueue(context.Background(), testDeliveryQueue, "marker", nil, queue.JobOptions{})
	require.NoError(t, err)
	job, err := q.Lease(context.Background(), testDeliveryQueue)
	require.NoError(t, err)
	assert.Equal(t, "marker", job.Name)
}

func TestDispatchWithoutMatches(t *testing.T) {
	dispatcher, subs, q := newDispatcherFixture(t)

	require.NoError(t, subs.SaveSubscription(models.WebhookSubscription{
		ID: "s-1", UserID: "u-1", URL: "https://example.com/hook",
		EventType: "failed", Active: true,
	}))

	require.NoError(t, dispatcher.Dispatch(context.Background(), notify.Message{
		Kind:   queue.EventCompleted,
		JobID:  "j-1",
		UserID: "u-1",
	}))

	_, err := q.Enqueue(context.Background(), testDeliveryQueue, "marker", nil, queue.JobOptions{})
	require.NoError(t, err)
	job, err := q.Lease(context.Background(), testDeliveryQueue)
	require.NoError(t, err)
	assert.Equal(t, "marker", job.Name)
}

func TestDispatcherDefaults(t *testing.T) {
	dispatcher := NewDispatcher(storage.NewMemorySubscriptionStore(), nil, DispatcherOptions{
		DeliveryQueue: testDeliveryQueue,
	}, logging.NewNopLogger())
	assert.Equal(t, 3, dispatcher.opts.Attempts)
	assert.Equal(t, 30*time.Second, dispatcher.opts.Backoff)
}
