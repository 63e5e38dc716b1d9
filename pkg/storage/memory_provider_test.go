package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowqueue/pkg/models"
)

func TestMemoryFlowStore(t *testing.T) {
	store := NewMemoryFlowStore()

	t.Run("save and get", func(t *testing.T) {
		flow := models.Flow{ID: "f-1", Name: "import", UserID: "u-1", Status: models.FlowPending}
		require.NoError(t, store.SaveFlow(flow))

		got, err := store.GetFlow("f-1")
		require.NoError(t, err)
		assert.Equal(t, flow, got)
	})

	t.Run("rejects a flow without an id", func(t *testing.T) {
		assert.Error(t, store.SaveFlow(models.Flow{Name: "nameless"}))
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := store.GetFlow("absent")
		assert.ErrorIs(t, err, ErrFlowNotFound)
	})

	t.Run("list filters by user", func(t *testing.T) {
		require.NoError(t, store.SaveFlow(models.Flow{ID: "f-2", UserID: "u-1"}))
		require.NoError(t, store.SaveFlow(models.Flow{ID: "f-3", UserID: "u-2"}))

		flows, err := store.ListFlows("u-1")
		require.NoError(t, err)
		assert.Len(t, flows, 2)
		for _, flow := range flows {
			assert.Equal(t, "u-1", flow.UserID)
		}
	})

	t.Run("update replaces the record", func(t *testing.T) {
		flow, err := store.GetFlow("f-1")
		require.NoError(t, err)
		flow.Status = models.FlowRunning
		require.NoError(t, store.UpdateFlow(flow))

		got, err := store.GetFlow("f-1")
		require.NoError(t, err)
		assert.Equal(t, models.FlowRunning, got.Status)
	})

	t.Run("update missing", func(t *testing.T) {
		err := store.UpdateFlow(models.Flow{ID: "absent"})
		assert.ErrorIs(t, err, ErrFlowNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.DeleteFlow("f-1"))
		_, err := store.GetFlow("f-1")
		assert.ErrorIs(t, err, ErrFlowNotFound)
		assert.ErrorIs(t, store.DeleteFlow("f-1"), ErrFlowNotFound)
	})
}

func TestMemoryFlowJobStore(t *testing.T) {
	store := NewMemoryFlowJobStore()

	t.Run("save and get", func(t *testing.T) {
		record := models.FlowJobRecord{
			JobID:    "j-1",
			FlowID:   "f-1",
			Queue:    "default",
			Name:     "work",
			Status:   models.JobWaiting,
			Children: []string{"j-2"},
		}
		require.NoError(t, store.SaveJob(record))

		got, err := store.GetJob("j-1")
		require.NoError(t, err)
		assert.Equal(t, record, got)
	})

	t.Run("rejects a record without a job id", func(t *testing.T) {
		assert.Error(t, store.SaveJob(models.FlowJobRecord{FlowID: "f-1"}))
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := store.GetJob("absent")
		assert.ErrorIs(t, err, ErrJobRecordNotFound)
	})

	t.Run("list filters by flow", func(t *testing.T) {
		require.NoError(t, store.SaveJob(models.FlowJobRecord{JobID: "j-2", FlowID: "f-1"}))
		require.NoError(t, store.SaveJob(models.FlowJobRecord{JobID: "j-3", FlowID: "f-2"}))

		records, err := store.ListJobs("f-1")
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("update replaces the record", func(t *testing.T) {
		record, err := store.GetJob("j-1")
		require.NoError(t, err)
		record.Status = models.JobCompleted
		record.Result = "done"
		require.NoError(t, store.UpdateJob(record))

		got, err := store.GetJob("j-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobCompleted, got.Status)
		assert.Equal(t, "done", got.Result)
	})

	t.Run("update missing", func(t *testing.T) {
		err := store.UpdateJob(models.FlowJobRecord{JobID: "absent"})
		assert.ErrorIs(t, err, ErrJobRecordNotFound)
	})

	t.Run("delete removes only the flow's records", func(t *testing.T) {
		require.NoError(t, store.DeleteJobs("f-1"))

		records, err := store.ListJobs("f-1")
		require.NoError(t, err)
		assert.Empty(t, records)

		_, err = store.GetJob("j-3")
		assert.NoError(t, err)
	})
}

func TestMemorySubscriptionStore(t *testing.T) {
	store := NewMemorySubscriptionStore()

	t.Run("save and get", func(t *testing.T) {
		sub := models.WebhookSubscription{
			ID:        "s-1",
			UserID:    "u-1",
			URL:       "https://example.com/hook",
			EventType: "completed",
			Active:    true,
		}
		require.NoError(t, store.SaveSubscription(sub))

		got, err := store.GetSubscription("s-1")
		require.NoError(t, err)
		assert.Equal(t, sub, got)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := store.GetSubscription("absent")
		assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	})

	t.Run("list filters by user", func(t *testing.T) {
		require.NoError(t, store.SaveSubscription(models.WebhookSubscription{ID: "s-2", UserID: "u-2", EventType: "completed", Active: true}))

		subs, err := store.ListSubscriptions("u-1")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "s-1", subs[0].ID)
	})

	t.Run("active subscriptions match exactly or through the wildcard", func(t *testing.T) {
		require.NoError(t, store.SaveSubscription(models.WebhookSubscription{
			ID: "s-3", UserID: "u-1", EventType: models.WildcardEventType, Active: true,
		}))
		require.NoError(t, store.SaveSubscription(models.WebhookSubscription{
			ID: "s-4", UserID: "u-1", EventType: "failed", Active: true,
		}))
		require.NoError(t, store.SaveSubscription(models.WebhookSubscription{
			ID: "s-5", UserID: "u-1", EventType: "completed", Active: false,
		}))

		subs, err := store.ActiveSubscriptions("u-1", "completed")
		require.NoError(t, err)

		ids := make([]string, 0, len(subs))
		for _, sub := range subs {
			ids = append(ids, sub.ID)
		}
		assert.ElementsMatch(t, []string{"s-1", "s-3"}, ids)
	})

	t.Run("active subscriptions scoped to the owner", func(t *testing.T) {
		subs, err := store.ActiveSubscriptions("u-2", "completed")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "s-2", subs[0].ID)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.DeleteSubscription("s-1"))
		_, err := store.GetSubscription("s-1")
		assert.ErrorIs(t, err, ErrSubscriptionNotFound)
		assert.ErrorIs(t, store.DeleteSubscription("s-1"), ErrSubscriptionNotFound)
	})
}
