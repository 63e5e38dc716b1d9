// Package notify provides the real-time fan-out bus. Every processed
// lifecycle event is pushed to a job-scoped topic, the owning user's topic,
// and (for flow-tracked jobs) a flow-scoped topic carrying the recomputed
// progress summary.
package notify

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tcmartin/flowqueue/pkg/models"
	"github.com/tcmartin/flowqueue/pkg/queue"
)

// subscriberBuffer is each subscriber channel's capacity. A subscriber that
// falls this far behind starts losing messages rather than blocking the
// publisher.
const subscriberBuffer = 64

// Message is one fan-out notification.
type Message struct {
	// Topic the message was published on
	Topic string `json:"topic"`

	// Kind of the triggering lifecycle event
	Kind queue.EventKind `json:"kind"`

	// JobID of the triggering job
	JobID string `json:"job_id"`

	// JobName is the triggering job's handler name
	JobName string `json:"job_name,omitempty"`

	// FlowID of the owning flow, when the job is flow-tracked
	FlowID string `json:"flow_id,omitempty"`

	// UserID of the owning user
	UserID string `json:"user_id,omitempty"`

	// FlowStatus is the flow's recomputed status, on flow topics
	FlowStatus models.FlowStatus `json:"flow_status,omitempty"`

	// Summary is the flow's recomputed progress, on flow topics
	Summary *models.ProgressSummary `json:"summary,omitempty"`

	// Payload carries progress values or streaming delta chunks
	Payload interface{} `json:"payload,omitempty"`

	// Result of the job for completed events
	Result interface{} `json:"result,omitempty"`

	// Error message for failed events
	Error string `json:"error,omitempty"`

	// Timestamp of the triggering event
	Timestamp time.Time `json:"timestamp"`
}

// JobTopic names the topic scoped to one job.
func JobTopic(jobID string) string { return fmt.Sprintf("job:%s", jobID) }

// UserTopic names the topic scoped to one user.
func UserTopic(userID string) string { return fmt.Sprintf("user:%s", userID) }

// FlowTopic names the topic scoped to one flow.
func FlowTopic(flowID string) string { return fmt.Sprintf("flow:%s", flowID) }

// Bus is an in-process topic bus with non-blocking publish.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[int]chan Message
	nextID  int
	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[int]chan Message),
	}
}

// Subscribe registers a subscriber on a topic. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe(topic string) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Message)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Message, subscriberBuffer)
	b.subs[topic][id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[topic][id]; ok {
			delete(b.subs[topic], id)
			close(sub)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		}
	}
}

// Publish delivers a message to every subscriber of a topic. Publish never
// blocks; a subscriber whose buffer is full misses the message.
func (b *Bus) Publish(topic string, msg Message) {
	msg.Topic = topic

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of subscribers on a topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Dropped returns the number of messages lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
