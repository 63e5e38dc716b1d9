package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowqueue/pkg/handlers"
	"github.com/tcmartin/flowqueue/pkg/logging"
	"github.com/tcmartin/flowqueue/pkg/utils"
)

func newDeliveryWorker(t *testing.T, opts DeliveryOptions) *DeliveryWorker {
	t.Helper()
	return NewDeliveryWorker(utils.NewHTTPClient(), opts, logging.NewNopLogger())
}

func deliveryJob(url, kind string, payload interface{}) *handlers.JobContext {
	task := DeliveryTask{
		SubscriptionID: "s-1",
		URL:            url,
		Kind:           kind,
		JobID:          "j-1",
		JobName:        "work",
		FlowID:         "f-1",
		UserID:         "u-1",
		Payload:        payload,
		Timestamp:      time.Now().UTC(),
	}
	return &handlers.JobContext{Name: DeliveryHandlerName, Data: taskData(task)}
}

func TestDeliveryWorkerPostsPayload(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	worker := newDeliveryWorker(t, DeliveryOptions{})
	result, err := worker.Descriptor().Execute(context.Background(), deliveryJob(server.URL, "completed", nil))
	require.NoError(t, err)

	got, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "s-1", got["subscription_id"])
	assert.Equal(t, http.StatusOK, got["status_code"])

	var payload DeliveryPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "completed", payload.Event)
	assert.Equal(t, "j-1", payload.JobID)
	assert.Equal(t, "work", payload.JobName)
	assert.Equal(t, "f-1", payload.FlowID)
	assert.Equal(t, "u-1", payload.UserID)
}

func TestDeliveryWorkerMapsPayloadByKind(t *testing.T) {
	received := make(chan DeliveryPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload DeliveryPayload
		json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	worker := newDeliveryWorker(t, DeliveryOptions{})

	t.Run("progress value", func(t *testing.T) {
		_, err := worker.Descriptor().Execute(context.Background(), deliveryJob(server.URL, "progress", 42))
		require.NoError(t, err)
		payload := <-received
		assert.Equal(t, float64(42), payload.Progress)
		assert.Nil(t, payload.Content)
	})

	t.Run("delta chunk", func(t *testing.T) {
		_, err := worker.Descriptor().Execute(context.Background(), deliveryJob(server.URL, "delta", "chunk-1"))
		require.NoError(t, err)
		payload := <-received
		assert.Equal(t, "chunk-1", payload.Content)
		assert.Nil(t, payload.Progress)
	})
}

func TestDeliveryWorkerRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	worker := newDeliveryWorker(t, DeliveryOptions{Retries: 2})
	_, err := worker.Descriptor().Execute(context.Background(), deliveryJob(server.URL, "completed", nil))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliveryWorkerExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	worker := newDeliveryWorker(t, DeliveryOptions{Retries: 1})
	_, err := worker.Descriptor().Execute(context.Background(), deliveryJob(server.URL, "completed", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeliveryWorkerRejectsTaskWithoutURL(t *testing.T) {
	worker := newDeliveryWorker(t, DeliveryOptions{})
	_, err := worker.Descriptor().Execute(context.Background(), &handlers.JobContext{
		Name: DeliveryHandlerName,
		Data: map[string]interface{}{"kind": "completed"},
	})
	assert.Error(t, err)
}

func TestDeliveryWorkerHonorsCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	worker := newDeliveryWorker(t, DeliveryOptions{Retries: 3})
	_, err := worker.Descriptor().Execute(ctx, deliveryJob(server.URL, "completed", nil))
	assert.ErrorIs(t, err, context.Canceled)
}
