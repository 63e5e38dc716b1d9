package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowqueue/pkg/handlers"
	"github.com/tcmartin/flowqueue/pkg/logging"
	"github.com/tcmartin/flowqueue/pkg/models"
)

func startWorker(t *testing.T, q Queue, registry handlers.Registry, queueName string) {
	t.Helper()
	worker := NewWorker(q, registry, queueName, 2, logging.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)
	t.Cleanup(func() {
		cancel()
		worker.Wait()
	})
}

func waitForJobStatus(t *testing.T, q Queue, queueName, jobID string, want models.JobStatus) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, err := q.GetJob(context.Background(), queueName, jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached status %s", jobID, want)
	return job
}

func TestWorkerExecutesHandler(t *testing.T) {
	q := newMemoryQueue(t)
	registry := handlers.NewRegistry()

	require.NoError(t, registry.Register(handlers.Descriptor{
		Name: "double",
		Execute: func(ctx context.Context, job *handlers.JobContext) (interface{}, error) {
			n := job.Data["n"].(int)
			return n * 2, nil
		},
	}))
	startWorker(t, q, registry, "default")

	jobID, err := q.Enqueue(context.Background(), "default", "double", map[string]interface{}{"n": 21}, JobOptions{})
	require.NoError(t, err)

	job := waitForJobStatus(t, q, "default", jobID, models.JobCompleted)
	assert.Equal(t, 42, job.Result)
}

func TestWorkerRecordsHandlerFailure(t *testing.T) {
	q := newMemoryQueue(t)
	registry := handlers.NewRegistry()

	require.NoError(t, registry.Register(handlers.Descriptor{
		Name: "broken",
		Execute: func(ctx context.Context, job *handlers.JobContext) (interface{}, error) {
			return nil, errors.New("cannot do that")
		},
	}))
	startWorker(t, q, registry, "default")

	jobID, err := q.Enqueue(context.Background(), "default", "broken", nil, JobOptions{})
	require.NoError(t, err)

	job := waitForJobStatus(t, q, "default", jobID, models.JobFailed)
	assert.Contains(t, job.Error, "cannot do that")
}

func TestWorkerConvertsPanicToFailure(t *testing.T) {
	q := newMemoryQueue(t)
	registry := handlers.NewRegistry()

	require.NoError(t, registry.Register(handlers.Descriptor{
		Name: "panicky",
		Execute: func(ctx context.Context, job *handlers.JobContext) (interface{}, error) {
			panic("unexpected state")
		},
	}))
	startWorker(t, q, registry, "default")

	jobID, err := q.Enqueue(context.Background(), "default", "panicky", nil, JobOptions{})
	require.NoError(t, err)

	job := waitForJobStatus(t, q, "default", jobID, models.JobFailed)
	assert.Contains(t, job.Error, "panicked")
}

func TestWorkerFailsJobWithoutHandler(t *testing.T) {
	q := newMemoryQueue(t)
	registry := handlers.NewRegistry()
	startWorker(t, q, registry, "default")

	jobID, err := q.Enqueue(context.Background(), "default", "ghost", nil, JobOptions{})
	require.NoError(t, err)

	job := waitForJobStatus(t, q, "default", jobID, models.JobFailed)
	assert.Contains(t, job.Error, "no handler registered")
}

func TestWorkerExposesChildrenValues(t *testing.T) {
	q := newMemoryQueue(t)
	registry := handlers.NewRegistry()

	require.NoError(t, registry.Register(handlers.Descriptor{
		Name: "leaf",
		Execute: func(ctx context.Context, job *handlers.JobContext) (interface{}, error) {
			return job.Data["value"], nil
		},
	}))
	require.NoError(t, registry.Register(handlers.Descriptor{
		Name: "sum",
		Execute: func(ctx context.Context, job *handlers.JobContext) (interface{}, error) {
			values, err := job.Children(ctx)
			if err != nil {
				return nil, err
			}
			total := 0
			for _, v := range values {
				total += v.(int)
			}
			return total, nil
		},
	}))
	startWorker(t, q, registry, "default")

	tree, err := q.AddFlowTree(context.Background(), &TreeNode{
		Name:  "sum",
		Queue: "default",
		Children: []*TreeNode{
			{Name: "leaf", Queue: "default", Data: map[string]interface{}{"value": 1}},
			{Name: "leaf", Queue: "default", Data: map[string]interface{}{"value": 2}},
		},
	})
	require.NoError(t, err)

	job := waitForJobStatus(t, q, "default", tree.JobID, models.JobCompleted)
	assert.Equal(t, 3, job.Result)
}
