// Package discovery tracks peer agent cards published on the discovery
// topic and republishes this process's own card.
package discovery

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// entry is a card plus liveness bookkeeping. Stale entries are hidden from
// reads but kept for observability.
type entry struct {
	card     a2a.AgentCard
	lastSeen time.Time
}

// Registry is the read model of discovered peer agents. Single writer (the
// dispatch loop), many readers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	logger  *logger.Logger
	now     func() time.Time
}

// NewRegistry creates a registry with the given card TTL.
func NewRegistry(ttl time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		ttl:     ttl,
		logger:  log.WithComponent("agent-registry"),
		now:     time.Now,
	}
}

// HandleCardPayload upserts a card from a raw discovery payload.
func (r *Registry) HandleCardPayload(payload []byte) error {
	var card a2a.AgentCard
	if err := json.Unmarshal(payload, &card); err != nil {
		return err
	}
	r.Upsert(card)
	return nil
}

// Upsert records a card, stamping last_seen.
func (r *Registry) Upsert(card a2a.AgentCard) {
	if card.Name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[card.Name]
	if !ok {
		r.entries[card.Name] = &entry{card: card, lastSeen: r.now()}
		r.logger.Info("discovered agent", zap.String("agent", card.Name))
		return
	}
	e.card = card
	e.lastSeen = r.now()
}

// Get returns a live card by name.
func (r *Registry) Get(name string) (a2a.AgentCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || r.expired(e) {
		return a2a.AgentCard{}, false
	}
	return e.card, true
}

// List returns a snapshot of all live cards sorted by name.
func (r *Registry) List() []a2a.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cards := make([]a2a.AgentCard, 0, len(r.entries))
	for _, e := range r.entries {
		if !r.expired(e) {
			cards = append(cards, e.card)
		}
	}
	slices.SortFunc(cards, func(a, b a2a.AgentCard) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return cards
}

// FindByCapability returns live cards advertising the capability tag.
func (r *Registry) FindByCapability(tag string) []a2a.AgentCard {
	var out []a2a.AgentCard
	for _, card := range r.List() {
		if slices.Contains(card.Capabilities, tag) {
			out = append(out, card)
		}
	}
	return out
}

func (r *Registry) expired(e *entry) bool {
	return r.ttl > 0 && r.now().Sub(e.lastSeen) > r.ttl
}
