// Package broker abstracts the ordered pub/sub message fabric every mesh
// component talks through. Two implementations exist: NATS for deployments
// and an in-memory bus for dev mode and tests.
package broker

import (
	"context"
)

// Message is one inbound broker delivery. Handlers must call exactly one of
// Ack or Nack; a nacked message is redelivered by the broker.
type Message struct {
	Topic          string
	Payload        []byte
	UserProperties map[string]string

	ack  func()
	nack func()
}

// Ack marks the message as successfully processed.
func (m *Message) Ack() {
	if m.ack != nil {
		m.ack()
	}
}

// Nack requests redelivery.
func (m *Message) Nack() {
	if m.nack != nil {
		m.nack()
	}
}

// Handler processes one delivery. A returned error nacks the message when
// the handler has not already settled it.
type Handler func(ctx context.Context, msg *Message) error

// Subscription is an active topic-pattern subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Broker is the adapter contract consumed by all mesh components.
//
// Ordering: messages on one subscription arrive in publish order; there is
// no guarantee across subscriptions. Publish is safe from any goroutine.
type Broker interface {
	// Publish sends payload to topic, fire and forget.
	Publish(ctx context.Context, topic string, payload []byte, props map[string]string) error

	// Subscribe delivers every message matching pattern to h.
	Subscribe(pattern string, h Handler) (Subscription, error)

	// QueueSubscribe delivers each matching message to one member of the
	// named queue group.
	QueueSubscribe(pattern, queue string, h Handler) (Subscription, error)

	// Close shuts the connection down, draining in-flight deliveries.
	Close()

	// IsConnected is authoritative for app readiness. The dev bus always
	// reports true.
	IsConnected() bool
}
