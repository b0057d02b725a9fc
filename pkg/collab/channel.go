package collab

import (
	"sync"

	"github.com/atelier-run/atelier/pkg/events"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/google/uuid"
)

const docTopicPrefix = "doc:"

// Channel fans applied batches out across gateway instances through the
// event broker, one topic per document. Batches carry their origin in
// Source so an instance never re-delivers its own publishes.
type Channel struct {
	broker  *events.Broker
	podID   string
	handler func(batch *types.OperationBatch)

	mu   sync.Mutex
	subs map[string]events.Subscriber
	stop map[string]chan struct{}
}

// NewChannel creates a fan-out channel. handler receives batches
// published by other instances.
func NewChannel(broker *events.Broker, handler func(batch *types.OperationBatch)) *Channel {
	return &Channel{
		broker:  broker,
		podID:   uuid.New().String(),
		handler: handler,
		subs:    make(map[string]events.Subscriber),
		stop:    make(map[string]chan struct{}),
	}
}

// PodID identifies this instance in batch Source fields
func (c *Channel) PodID() string {
	return c.podID
}

// Publish announces a locally applied batch to every other instance
func (c *Channel) Publish(batch *types.OperationBatch) {
	c.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    events.EventDocumentOp,
		Topic:   docTopicPrefix + batch.DocumentID,
		Message: "document operation",
		Payload: batch,
	})
}

// Subscribe starts delivering remote batches for a document. Idempotent.
func (c *Channel) Subscribe(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[docID]; ok {
		return
	}

	sub := c.broker.SubscribeTopic(docTopicPrefix + docID)
	stopCh := make(chan struct{})
	c.subs[docID] = sub
	c.stop[docID] = stopCh

	go func() {
		for {
			select {
			case event, ok := <-sub:
				if !ok {
					return
				}
				batch, ok := event.Payload.(*types.OperationBatch)
				if !ok || batch.Source == c.podID {
					continue
				}
				c.handler(batch)
			case <-stopCh:
				return
			}
		}
	}()
}

// Unsubscribe stops delivery for a document, typically when the last
// local session leaves it
func (c *Channel) Unsubscribe(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[docID]
	if !ok {
		return
	}
	close(c.stop[docID])
	c.broker.Unsubscribe(sub)
	delete(c.subs, docID)
	delete(c.stop, docID)
}

// Close tears down every subscription
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for docID, sub := range c.subs {
		close(c.stop[docID])
		c.broker.Unsubscribe(sub)
		delete(c.subs, docID)
		delete(c.stop, docID)
	}
}
