package broker

import (
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// New selects a broker implementation from configuration. An empty URL
// selects the in-memory dev bus, which always reports connected.
func New(cfg config.BrokerConfig, log *logger.Logger) (Broker, error) {
	if cfg.URL == "" {
		return NewMemoryBroker(log), nil
	}
	return NewNATSBroker(cfg, log)
}
