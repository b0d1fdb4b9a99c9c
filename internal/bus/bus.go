package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskQueued       = "task.queued"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskCancelled    = "task.cancelled"
)

// Agent loop topics.
const (
	TopicLoopStep         = "loop.step"
	TopicLoopPaused       = "loop.paused"
	TopicLoopResumed      = "loop.resumed"
	TopicLoopVerification = "loop.verification"
)

// Environment topics.
const (
	TopicEnvProvisioning = "env.provisioning"
	TopicEnvReady        = "env.ready"
	TopicEnvDestroyed    = "env.destroyed"
)

// TaskStateChangedEvent is published when a task's persisted status changes.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	OldStatus string // Previous status (e.g. queued)
	NewStatus string // New status (e.g. running)
	Detail    string // Optional human-readable detail
}

// TaskOutcomeEvent is published on task.completed / task.failed / task.cancelled.
type TaskOutcomeEvent struct {
	TaskID  string
	Status  string
	Summary string
	Success bool
	Error   string
}

// LoopStepEvent is published once per observe/decide/execute cycle.
type LoopStepEvent struct {
	TaskID  string
	Step    int
	Actions int // number of tool calls executed this step
}

// VerificationEvent is published after each completion-verification check.
type VerificationEvent struct {
	TaskID  string
	Attempt int
	Success bool
	Summary string
}

// EnvEvent is published on environment lifecycle transitions.
type EnvEvent struct {
	TaskID string
	EnvID  string
	Detail string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}
