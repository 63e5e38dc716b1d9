package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tcmartin/flowqueue/pkg/logging"
	"github.com/tcmartin/flowqueue/pkg/models"
)

// keyPrefix namespaces every Redis key the substrate writes.
const keyPrefix = "flowqueue"

// promoteInterval is how often delayed jobs are checked for promotion.
const promoteInterval = 200 * time.Millisecond

// RedisQueue is a Redis-backed implementation of the Queue contract. Jobs
// live in per-queue hashes, waiting jobs in a pair of lists (priority and
// normal), delayed jobs in a sorted set promoted by a background pump, and
// lifecycle events flow over a pub/sub channel per queue.
type RedisQueue struct {
	client *redis.Client
	logger logging.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	subs    map[string]map[EventKind]map[int]EventHandler
	pubsubs map[string]*redis.PubSub
	queues  map[string]bool
	nextID  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// RedisOptions configure the Redis connection.
type RedisOptions struct {
	// Addr is the host:port of the Redis server
	Addr string `json:"addr"`

	// Password for the Redis server, if any
	Password string `json:"password"`

	// DB is the Redis database number
	DB int `json:"db"`
}

// NewRedisQueue creates a Redis-backed queue substrate.
func NewRedisQueue(opts RedisOptions, logger logging.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := cron.New()
	c.Start()

	q := &RedisQueue{
		client:  client,
		logger:  logger,
		cron:    c,
		subs:    make(map[string]map[EventKind]map[int]EventHandler),
		pubsubs: make(map[string]*redis.PubSub),
		queues:  make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}

	q.wg.Add(1)
	go q.promoteLoop()
	return q, nil
}

func key(parts ...string) string {
	k := keyPrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func jobKey(queueName, jobID string) string { return key(queueName, "job", jobID) }
func waitKey(queueName string) string       { return key(queueName, "wait") }
func priorityKey(queueName string) string   { return key(queueName, "wait", "priority") }
func delayedKey(queueName string) string    { return key(queueName, "delayed") }
func eventsChannel(queueName string) string { return key(queueName, "events") }

func (r *RedisQueue) trackQueue(name string) {
	r.mu.Lock()
	r.queues[name] = true
	r.mu.Unlock()
}

// writeJob persists a job hash.
func (r *RedisQueue) writeJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal job data: %w", err)
	}
	opts, err := json.Marshal(job.Opts)
	if err != nil {
		return fmt.Errorf("failed to marshal job options: %w", err)
	}
	children, err := json.Marshal(job.Children)
	if err != nil {
		return fmt.Errorf("failed to marshal child refs: %w", err)
	}

	fields := map[string]interface{}{
		"name":          job.Name,
		"queue":         job.Queue,
		"data":          string(data),
		"opts":          string(opts),
		"status":        string(job.Status),
		"error":         job.Error,
		"parent":        job.ParentID,
		"parent_queue":  job.ParentQueue,
		"children":      string(children),
		"attempts_made": job.AttemptsMade,
		"created_at":    job.CreatedAt.UnixMilli(),
	}
	if job.Result != nil {
		result, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal job result: %w", err)
		}
		fields["result"] = string(result)
	}

	if err := r.client.HSet(ctx, jobKey(job.Queue, job.ID), fields).Err(); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// readJob loads a job hash.
func (r *RedisQueue) readJob(ctx context.Context, queueName, jobID string) (*Job, error) {
	fields, err := r.client.HGetAll(ctx, jobKey(queueName, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job := &Job{
		ID:          jobID,
		Queue:       queueName,
		Name:        fields["name"],
		Status:      models.JobStatus(fields["status"]),
		Error:       fields["error"],
		ParentID:    fields["parent"],
		ParentQueue: fields["parent_queue"],
	}
	if raw := fields["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job data: %w", err)
		}
	}
	if raw := fields["opts"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Opts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job options: %w", err)
		}
	}
	if raw := fields["children"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Children); err != nil {
			return nil, fmt.Errorf("failed to unmarshal child refs: %w", err)
		}
	}
	if raw, ok := fields["result"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job result: %w", err)
		}
	}
	if raw := fields["attempts_made"]; raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			job.AttemptsMade = n
		}
	}
	if raw := fields["created_at"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			job.CreatedAt = time.UnixMilli(ms)
		}
	}
	return job, nil
}

// Enqueue adds a job and returns its assigned ID.
func (r *RedisQueue) Enqueue(ctx context.Context, queueName, jobName string, data map[string]interface{}, opts JobOptions) (string, error) {
	r.trackQueue(queueName)
	job := &Job{
		ID:        uuid.New().String(),
		Queue:     queueName,
		Name:      jobName,
		Data:      data,
		Opts:      opts,
		CreatedAt: time.Now(),
	}

	if opts.RepeatCron != "" {
		_, err := r.cron.AddFunc(opts.RepeatCron, func() {
			next := opts
			next.RepeatCron = ""
			if _, err := r.Enqueue(context.Background(), queueName, jobName, data, next); err != nil {
				r.logger.Warn("failed to enqueue repeated job",
					logging.F("queue", queueName), logging.F("job", jobName), logging.F("error", err.Error()))
			}
		})
		if err != nil {
			return "", fmt.Errorf("invalid repeat schedule %q: %w", opts.RepeatCron, err)
		}
	}

	if opts.Delay > 0 {
		job.Status = models.JobDelayed
		if err := r.writeJob(ctx, job); err != nil {
			return "", err
		}
		readyAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := r.client.ZAdd(ctx, delayedKey(queueName), &redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
			return "", fmt.Errorf("failed to delay job: %w", err)
		}
		r.emit(ctx, Event{Kind: EventDelayed, Queue: queueName, JobID: job.ID, Name: jobName, Timestamp: time.Now()})
		return job.ID, nil
	}

	job.Status = models.JobWaiting
	if err := r.writeJob(ctx, job); err != nil {
		return "", err
	}
	if err := r.pushWaiting(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// pushWaiting puts a job on one of the queue's two wait lists. Priority is
// coarser here than in the memory substrate: any Priority > 0 lands on the
// priority list, consumed before the normal one, FIFO within each list.
func (r *RedisQueue) pushWaiting(ctx context.Context, job *Job) error {
	list := waitKey(job.Queue)
	if job.Opts.Priority > 0 {
		list = priorityKey(job.Queue)
	}
	if err := r.client.LPush(ctx, list, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	r.emit(ctx, Event{Kind: EventWaiting, Queue: job.Queue, JobID: job.ID, Name: job.Name, Timestamp: time.Now()})
	return nil
}

// AddFlowTree submits a whole dependency tree in one call.
func (r *RedisQueue) AddFlowTree(ctx context.Context, root *TreeNode) (*TreeJob, error) {
	if root == nil {
		return nil, fmt.Errorf("flow tree root is required")
	}
	tree, err := r.addNode(ctx, root, "", "")
	if err != nil {
		return nil, err
	}
	return tree, nil
}

func (r *RedisQueue) addNode(ctx context.Context, node *TreeNode, parentID, parentQueue string) (*TreeJob, error) {
	if node.Name == "" || node.Queue == "" {
		return nil, fmt.Errorf("flow tree nodes require a name and queue")
	}
	r.trackQueue(node.Queue)

	job := &Job{
		ID:          uuid.New().String(),
		Queue:       node.Queue,
		Name:        node.Name,
		Data:        node.Data,
		Opts:        node.Opts,
		ParentID:    parentID,
		ParentQueue: parentQueue,
		CreatedAt:   time.Now(),
	}
	tree := &TreeJob{JobID: job.ID, Queue: node.Queue, Name: node.Name, Data: node.Data, Opts: node.Opts}

	for _, child := range node.Children {
		childTree, err := r.addNode(ctx, child, job.ID, job.Queue)
		if err != nil {
			return nil, err
		}
		job.Children = append(job.Children, JobRef{Queue: childTree.Queue, ID: childTree.JobID})
		tree.Children = append(tree.Children, childTree)
	}

	if len(job.Children) > 0 {
		job.Status = models.JobWaitingChildren
		if err := r.writeJob(ctx, job); err != nil {
			return nil, err
		}
		if err := r.client.HSet(ctx, jobKey(job.Queue, job.ID), "pending", len(job.Children)).Err(); err != nil {
			return nil, fmt.Errorf("failed to track pending children: %w", err)
		}
		r.emit(ctx, Event{Kind: EventWaitingChildren, Queue: job.Queue, JobID: job.ID, Name: job.Name, Timestamp: time.Now()})
		return tree, nil
	}

	job.Status = models.JobWaiting
	if err := r.writeJob(ctx, job); err != nil {
		return nil, err
	}
	if err := r.pushWaiting(ctx, job); err != nil {
		return nil, err
	}
	return tree, nil
}

// GetJob retrieves a job by ID.
func (r *RedisQueue) GetJob(ctx context.Context, queueName, jobID string) (*Job, error) {
	return r.readJob(ctx, queueName, jobID)
}

// RemoveJob deletes a job from the substrate.
func (r *RedisQueue) RemoveJob(ctx context.Context, queueName, jobID string) error {
	removed, err := r.client.Del(ctx, jobKey(queueName, jobID)).Result()
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	if removed == 0 {
		return ErrJobNotFound
	}
	r.client.LRem(ctx, waitKey(queueName), 0, jobID)
	r.client.LRem(ctx, priorityKey(queueName), 0, jobID)
	r.client.ZRem(ctx, delayedKey(queueName), jobID)
	return nil
}

// ChildrenValues returns the results of a job's completed children.
func (r *RedisQueue) ChildrenValues(ctx context.Context, queueName, jobID string) (map[string]interface{}, error) {
	job, err := r.readJob(ctx, queueName, jobID)
	if err != nil {
		return nil, err
	}
	values := make(map[string]interface{})
	for _, ref := range job.Children {
		// Children may live on queues other than the parent's.
		child, err := r.readJob(ctx, ref.Queue, ref.ID)
		if err != nil {
			continue
		}
		if child.Status == models.JobCompleted {
			values[ref.ID] = child.Result
		}
	}
	return values, nil
}

// Lease blocks until a job is available, marks it active, and returns it.
func (r *RedisQueue) Lease(ctx context.Context, queueName string) (*Job, error) {
	r.trackQueue(queueName)
	for {
		res, err := r.client.BRPop(ctx, time.Second, priorityKey(queueName), waitKey(queueName)).Result()
		if err == redis.Nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-r.ctx.Done():
				return nil, ErrQueueClosed
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to lease job: %w", err)
		}

		jobID := res[1]
		job, err := r.readJob(ctx, queueName, jobID)
		if err == ErrJobNotFound {
			// Removed while waiting; take the next one.
			continue
		}
		if err != nil {
			return nil, err
		}

		job.Status = models.JobActive
		job.AttemptsMade++
		if err := r.client.HSet(ctx, jobKey(queueName, jobID),
			"status", string(models.JobActive), "attempts_made", job.AttemptsMade).Err(); err != nil {
			return nil, fmt.Errorf("failed to activate job: %w", err)
		}
		r.emit(ctx, Event{Kind: EventActive, Queue: queueName, JobID: jobID, Name: job.Name, Timestamp: time.Now()})
		return job, nil
	}
}

// Complete marks a leased job completed with its result.
func (r *RedisQueue) Complete(ctx context.Context, job *Job, result interface{}) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := r.client.HSet(ctx, jobKey(job.Queue, job.ID),
		"status", string(models.JobCompleted), "result", string(encoded)).Err(); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	r.emit(ctx, Event{Kind: EventCompleted, Queue: job.Queue, JobID: job.ID, Name: job.Name, Result: result, Timestamp: time.Now()})
	return r.childFinished(ctx, job)
}

// Fail records a failed attempt, retrying per the job's options.
func (r *RedisQueue) Fail(ctx context.Context, job *Job, reason string) error {
	if job.AttemptsMade < job.Opts.Attempts {
		if err := r.client.HSet(ctx, jobKey(job.Queue, job.ID),
			"status", string(models.JobDelayed), "error", reason).Err(); err != nil {
			return fmt.Errorf("failed to delay job retry: %w", err)
		}
		readyAt := float64(time.Now().Add(job.Opts.Backoff).UnixMilli())
		if err := r.client.ZAdd(ctx, delayedKey(job.Queue), &redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
			return fmt.Errorf("failed to schedule job retry: %w", err)
		}
		r.emit(ctx, Event{Kind: EventDelayed, Queue: job.Queue, JobID: job.ID, Name: job.Name, Error: reason, Timestamp: time.Now()})
		return nil
	}

	if err := r.client.HSet(ctx, jobKey(job.Queue, job.ID),
		"status", string(models.JobFailed), "error", reason).Err(); err != nil {
		return fmt.Errorf("failed to record job failure: %w", err)
	}
	r.emit(ctx, Event{Kind: EventFailed, Queue: job.Queue, JobID: job.ID, Name: job.Name, Error: reason, Timestamp: time.Now()})
	return r.childFinished(ctx, job)
}

// childFinished decrements the parent's pending-children counter and
// releases the parent once every child is terminal. The parent is resolved
// on its own queue, which may differ from the finished child's.
func (r *RedisQueue) childFinished(ctx context.Context, job *Job) error {
	if job.ParentID == "" {
		return nil
	}
	remaining, err := r.client.HIncrBy(ctx, jobKey(job.ParentQueue, job.ParentID), "pending", -1).Result()
	if err != nil {
		return fmt.Errorf("failed to update parent pending count: %w", err)
	}
	if remaining > 0 {
		return nil
	}

	parent, err := r.readJob(ctx, job.ParentQueue, job.ParentID)
	if err == ErrJobNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	parent.Status = models.JobWaiting
	if err := r.client.HSet(ctx, jobKey(parent.Queue, parent.ID), "status", string(models.JobWaiting)).Err(); err != nil {
		return fmt.Errorf("failed to release parent job: %w", err)
	}
	return r.pushWaiting(ctx, parent)
}

// ReportProgress publishes a progress event for an active job.
func (r *RedisQueue) ReportProgress(ctx context.Context, queueName, jobID string, value interface{}) error {
	job, err := r.readJob(ctx, queueName, jobID)
	if err != nil {
		return err
	}
	r.emit(ctx, Event{Kind: EventProgress, Queue: queueName, JobID: jobID, Name: job.Name, Payload: value, Timestamp: time.Now()})
	return nil
}

// ReportDelta publishes a streaming-delta event for an active job.
func (r *RedisQueue) ReportDelta(ctx context.Context, queueName, jobID string, chunk string) error {
	job, err := r.readJob(ctx, queueName, jobID)
	if err != nil {
		return err
	}
	r.emit(ctx, Event{Kind: EventDelta, Queue: queueName, JobID: jobID, Name: job.Name, Payload: chunk, Timestamp: time.Now()})
	return nil
}

// emit publishes an event on the queue's pub/sub channel.
func (r *RedisQueue) emit(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("failed to marshal event", logging.F("kind", string(evt.Kind)), logging.F("error", err.Error()))
		return
	}
	if err := r.client.Publish(ctx, eventsChannel(evt.Queue), payload).Err(); err != nil {
		r.logger.Error("failed to publish event",
			logging.F("kind", string(evt.Kind)), logging.F("queue", evt.Queue), logging.F("error", err.Error()))
	}
}

// Subscribe registers a handler for one event kind on a queue. The first
// subscription for a queue opens its pub/sub consumer.
func (r *RedisQueue) Subscribe(queueName string, kind EventKind, fn EventHandler) Unsubscribe {
	r.mu.Lock()
	if r.subs[queueName] == nil {
		r.subs[queueName] = make(map[EventKind]map[int]EventHandler)
	}
	if r.subs[queueName][kind] == nil {
		r.subs[queueName][kind] = make(map[int]EventHandler)
	}
	id := r.nextID
	r.nextID++
	r.subs[queueName][kind][id] = fn

	if _, ok := r.pubsubs[queueName]; !ok {
		ps := r.client.Subscribe(r.ctx, eventsChannel(queueName))
		r.pubsubs[queueName] = ps
		r.wg.Add(1)
		go r.consumeEvents(queueName, ps)
	}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[queueName][kind], id)
	}
}

// consumeEvents demultiplexes a queue's pub/sub stream to local handlers.
func (r *RedisQueue) consumeEvents(queueName string, ps *redis.PubSub) {
	defer r.wg.Done()
	for msg := range ps.Channel() {
		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			r.logger.Warn("dropping malformed event", logging.F("queue", queueName), logging.F("error", err.Error()))
			continue
		}

		r.mu.Lock()
		var handlers []EventHandler
		if kinds, ok := r.subs[queueName]; ok {
			for _, fn := range kinds[evt.Kind] {
				handlers = append(handlers, fn)
			}
		}
		r.mu.Unlock()

		for _, fn := range handlers {
			fn(evt)
		}
	}
}

// promoteLoop moves due delayed jobs onto their wait lists.
func (r *RedisQueue) promoteLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			queues := make([]string, 0, len(r.queues))
			for name := range r.queues {
				queues = append(queues, name)
			}
			r.mu.Unlock()

			for _, name := range queues {
				r.promoteDue(name)
			}
		}
	}
}

// promoteDue releases every delayed job of a queue whose time has come.
func (r *RedisQueue) promoteDue(queueName string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := r.client.ZRangeByScore(r.ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	for _, id := range ids {
		removed, err := r.client.ZRem(r.ctx, delayedKey(queueName), id).Result()
		if err != nil || removed == 0 {
			// Another promoter claimed it.
			continue
		}
		job, err := r.readJob(r.ctx, queueName, id)
		if err != nil {
			continue
		}
		job.Status = models.JobWaiting
		if err := r.client.HSet(r.ctx, jobKey(queueName, id), "status", string(models.JobWaiting)).Err(); err != nil {
			r.logger.Warn("failed to promote delayed job", logging.F("job_id", id), logging.F("error", err.Error()))
			continue
		}
		if err := r.pushWaiting(r.ctx, job); err != nil {
			r.logger.Warn("failed to promote delayed job", logging.F("job_id", id), logging.F("error", err.Error()))
		}
	}
}

// Close releases the substrate's resources.
func (r *RedisQueue) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pubsubs := make([]*redis.PubSub, 0, len(r.pubsubs))
	for _, ps := range r.pubsubs {
		pubsubs = append(pubsubs, ps)
	}
	r.mu.Unlock()

	r.cancel()
	r.cron.Stop()
	for _, ps := range pubsubs {
		ps.Close()
	}
	r.wg.Wait()
	return r.client.Close()
}
