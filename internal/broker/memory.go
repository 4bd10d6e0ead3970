package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// maxRedeliveries bounds how often the dev bus retries a nacked message
// before dropping it.
const maxRedeliveries = 3

// MemoryBroker is the in-process dev-mode broker. It preserves publish
// order per subscription by funneling each subscription through its own
// buffered channel drained by a single goroutine.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	queues map[string]*queueGroup
	logger *logger.Logger
	closed bool
	wg     sync.WaitGroup
}

type memorySubscription struct {
	broker  *MemoryBroker
	pattern string
	handler Handler
	queue   string
	ch      chan *delivery
	mu      sync.Mutex
	active  bool
}

type delivery struct {
	msg      *Message
	attempts int
}

type queueGroup struct {
	mu          sync.Mutex
	subscribers []*memorySubscription
	nextIndex   int
}

// NewMemoryBroker creates the in-memory bus.
func NewMemoryBroker(log *logger.Logger) *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]*queueGroup),
		logger: log.WithComponent("memory-broker"),
	}
}

// Publish delivers to every matching subscription and one member of each
// matching queue group.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte, props map[string]string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("broker is closed")
	}

	deliveredQueues := make(map[string]bool)
	for _, sub := range b.subs {
		if !sub.isActive() || !a2a.TopicMatchesSubscription(topic, sub.pattern) {
			continue
		}
		if sub.queue != "" {
			key := sub.queue + ":" + sub.pattern
			if !deliveredQueues[key] {
				deliveredQueues[key] = true
				b.deliverToQueue(key, topic, payload, props)
			}
			continue
		}
		sub.enqueue(&delivery{msg: newMessage(topic, payload, props)})
	}

	b.logger.Debug("published message", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return nil
}

func newMessage(topic string, payload []byte, props map[string]string) *Message {
	cp := make(map[string]string, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return &Message{Topic: topic, Payload: append([]byte(nil), payload...), UserProperties: cp}
}

// Subscribe creates a subscription to a topic pattern.
func (b *MemoryBroker) Subscribe(pattern string, h Handler) (Subscription, error) {
	return b.subscribe(pattern, "", h)
}

// QueueSubscribe creates a load-balanced queue subscription.
func (b *MemoryBroker) QueueSubscribe(pattern, queue string, h Handler) (Subscription, error) {
	return b.subscribe(pattern, queue, h)
}

func (b *MemoryBroker) subscribe(pattern, queue string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	sub := &memorySubscription{
		broker:  b,
		pattern: pattern,
		handler: h,
		queue:   queue,
		ch:      make(chan *delivery, 512),
		active:  true,
	}
	b.subs = append(b.subs, sub)
	if queue != "" {
		key := queue + ":" + pattern
		qg, ok := b.queues[key]
		if !ok {
			qg = &queueGroup{}
			b.queues[key] = qg
		}
		qg.subscribers = append(qg.subscribers, sub)
	}

	b.wg.Add(1)
	go sub.run()

	b.logger.Debug("subscribed", zap.String("pattern", pattern), zap.String("queue", queue))
	return sub, nil
}

func (b *MemoryBroker) deliverToQueue(key, topic string, payload []byte, props map[string]string) {
	qg, ok := b.queues[key]
	if !ok {
		return
	}
	qg.mu.Lock()
	defer qg.mu.Unlock()

	start := qg.nextIndex
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (start + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]
		if sub.isActive() {
			qg.nextIndex = (idx + 1) % len(qg.subscribers)
			sub.enqueue(&delivery{msg: newMessage(topic, payload, props)})
			return
		}
	}
}

// Close deactivates all subscriptions and waits for their drainers.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.queues = make(map[string]*queueGroup)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deactivate()
	}
	b.wg.Wait()
	b.logger.Info("memory broker closed")
}

// IsConnected always reports true while the dev bus is open.
func (b *MemoryBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) enqueue(d *delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	select {
	case s.ch <- d:
	default:
		s.broker.logger.Warn("subscription queue full, dropping message",
			zap.String("pattern", s.pattern),
			zap.String("topic", d.msg.Topic))
	}
}

// run drains the subscription channel sequentially, preserving publish order.
func (s *memorySubscription) run() {
	defer s.broker.wg.Done()
	for d := range s.ch {
		s.dispatch(d)
	}
}

// Settlement states. Handlers may settle from another goroutine after the
// handler callback returns; dispatch only honors settles that land before
// its post-handler check, later ones are safe no-ops.
const (
	settleNone int32 = iota
	settleAck
	settleNack
)

func (s *memorySubscription) dispatch(d *delivery) {
	var state atomic.Int32
	d.msg.ack = func() { state.CompareAndSwap(settleNone, settleAck) }
	d.msg.nack = func() { state.CompareAndSwap(settleNone, settleNack) }

	err := s.handler(context.Background(), d.msg)
	if err != nil {
		state.CompareAndSwap(settleNone, settleNack)
		s.broker.logger.Error("handler failed",
			zap.String("topic", d.msg.Topic),
			zap.Error(err))
	}

	if state.Load() == settleNack {
		d.attempts++
		if d.attempts >= maxRedeliveries {
			s.broker.logger.Warn("dropping message after redelivery limit",
				zap.String("topic", d.msg.Topic),
				zap.Int("attempts", d.attempts))
			return
		}
		s.enqueue(d)
	}
}

// Unsubscribe removes the subscription from the broker.
func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()

	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	if s.queue != "" {
		key := s.queue + ":" + s.pattern
		if qg, ok := b.queues[key]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	close(s.ch)
}

// IsValid reports whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	return s.isActive()
}
