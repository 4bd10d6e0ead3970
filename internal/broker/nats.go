package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// NATSBroker implements Broker over a NATS connection. User properties
// travel as message headers; topic levels map '/' onto NATS '.' tokens and
// the wildcard pair ('*', '>') carries over unchanged.
type NATSBroker struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.BrokerConfig
}

// NewNATSBroker connects to NATS with reconnection handling.
func NewNATSBroker(cfg config.BrokerConfig, log *logger.Logger) (*NATSBroker, error) {
	b := &NATSBroker{
		logger: log.WithComponent("nats-broker"),
		config: cfg,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				b.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				b.logger.Error("NATS connection closed", zap.Error(err))
			} else {
				b.logger.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			b.logger.Error("NATS error", zap.Error(err), zap.String("subject", sub.Subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn
	b.logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return b, nil
}

// topicToSubject converts a mesh topic to a NATS subject.
func topicToSubject(topic string) string {
	out := make([]byte, len(topic))
	for i := 0; i < len(topic); i++ {
		switch topic[i] {
		case '/':
			out[i] = '.'
		case '.':
			out[i] = '_'
		default:
			out[i] = topic[i]
		}
	}
	return string(out)
}

// subjectToTopic reverses topicToSubject.
func subjectToTopic(subject string) string {
	out := make([]byte, len(subject))
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' {
			out[i] = '/'
		} else {
			out[i] = subject[i]
		}
	}
	return string(out)
}

// Publish sends payload to topic with user properties as headers.
func (b *NATSBroker) Publish(ctx context.Context, topic string, payload []byte, props map[string]string) error {
	msg := nats.NewMsg(topicToSubject(topic))
	msg.Data = payload
	for k, v := range props {
		msg.Header.Set(k, v)
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		b.logger.Error("failed to publish", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	b.logger.Debug("published message", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return nil
}

// Subscribe creates a subscription to a topic pattern.
func (b *NATSBroker) Subscribe(pattern string, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(topicToSubject(pattern), b.msgHandler(h))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}
	b.logger.Debug("subscribed", zap.String("pattern", pattern))
	return &natsSubscription{sub: sub}, nil
}

// QueueSubscribe creates a queue subscription for load balancing.
func (b *NATSBroker) QueueSubscribe(pattern, queue string, h Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(topicToSubject(pattern), queue, b.msgHandler(h))
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", pattern, err)
	}
	b.logger.Debug("queue subscribed", zap.String("pattern", pattern), zap.String("queue", queue))
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBroker) msgHandler(h Handler) nats.MsgHandler {
	return func(m *nats.Msg) {
		props := make(map[string]string, len(m.Header))
		for k := range m.Header {
			props[k] = m.Header.Get(k)
		}
		msg := &Message{
			Topic:          subjectToTopic(m.Subject),
			Payload:        m.Data,
			UserProperties: props,
			ack:            func() {},
			nack: func() {
				// Core NATS has no redelivery; a nack is logged so the
				// producer side can observe drops in dev deployments.
				b.logger.Warn("message nacked", zap.String("subject", m.Subject))
			},
		}
		if err := h(context.Background(), msg); err != nil {
			b.logger.Error("handler failed",
				zap.String("subject", m.Subject),
				zap.Error(err))
		}
	}
}

// Close drains and closes the connection.
func (b *NATSBroker) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
		b.logger.Info("NATS connection closed")
	}
}

// IsConnected reports whether the NATS connection is active.
func (b *NATSBroker) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
