package discovery

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// Publisher republishes this process's agent card on its discovery topic
// every interval, keeping the card alive within peers' TTL windows.
type Publisher struct {
	broker    broker.Broker
	namespace string
	card      a2a.AgentCard
	interval  time.Duration
	logger    *logger.Logger
	done      chan struct{}
}

// NewPublisher creates a card publisher.
func NewPublisher(b broker.Broker, namespace string, card a2a.AgentCard, interval time.Duration, log *logger.Logger) *Publisher {
	return &Publisher{
		broker:    b,
		namespace: namespace,
		card:      card,
		interval:  interval,
		logger:    log.WithComponent("card-publisher"),
	}
}

// Start publishes the card immediately, then on every tick until Stop.
func (p *Publisher) Start(ctx context.Context) error {
	if err := p.publish(ctx); err != nil {
		return err
	}
	p.done = make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				if err := p.publish(context.Background()); err != nil {
					p.logger.Warn("failed to republish agent card", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop halts republication.
func (p *Publisher) Stop() {
	if p.done != nil {
		close(p.done)
		p.done = nil
	}
}

func (p *Publisher) publish(ctx context.Context) error {
	payload, err := json.Marshal(p.card)
	if err != nil {
		return err
	}
	return p.broker.Publish(ctx, a2a.DiscoveryTopic(p.namespace, p.card.Name), payload, nil)
}
