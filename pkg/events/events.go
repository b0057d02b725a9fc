package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventRunCreated       EventType = "run.created"
	EventRunCompleted     EventType = "run.completed"
	EventRunFailed        EventType = "run.failed"
	EventRunCancelled     EventType = "run.cancelled"
	EventPlanAccepted     EventType = "plan.accepted"
	EventPlanRejected     EventType = "plan.rejected"
	EventBillingMode      EventType = "billing.mode_changed"
	EventBreakerChanged   EventType = "collab.breaker_changed"
	EventDocumentOp       EventType = "collab.document_op"
	EventSandboxRecreated EventType = "sandbox.recreated"
)

// Event represents a system event
type Event struct {
	ID        string
	Type      EventType
	Topic     string // routing key; empty means broadcast-only
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
	Payload   interface{}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker distributes events to subscribers. Subscriptions may be scoped
// to a topic; delivery per topic follows publish order because a single
// goroutine drains the publish channel.
type Broker struct {
	all     map[Subscriber]bool
	topics  map[string]map[Subscriber]bool
	mu      sync.RWMutex
	eventCh chan *Event
	stopCh  chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		all:     make(map[Subscriber]bool),
		topics:  make(map[string]map[Subscriber]bool),
		eventCh: make(chan *Event, 256),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a subscription receiving every event
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.all[sub] = true
	return sub
}

// SubscribeTopic creates a subscription receiving only events published
// under the given topic
func (b *Broker) SubscribeTopic(topic string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[Subscriber]bool)
	}
	b.topics[topic][sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.all[sub] {
		delete(b.all, sub)
		close(sub)
		return
	}
	for topic, subs := range b.topics {
		if subs[sub] {
			delete(subs, sub)
			close(sub)
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
			return
		}
	}
}

// Publish publishes an event to all matching subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.all {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
	if event.Topic == "" {
		return
	}
	for sub := range b.topics[event.Topic] {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.all)
	for _, subs := range b.topics {
		n += len(subs)
	}
	return n
}
