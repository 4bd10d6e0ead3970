package llm

import (
	"context"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// EchoClient is the dev-mode model: it streams the latest user turn back
// word by word. It lets the whole mesh run end to end without a provider.
type EchoClient struct{}

// NewEchoClient creates the dev-mode echo model.
func NewEchoClient() *EchoClient {
	return &EchoClient{}
}

// StreamGenerate implements Client.
func (c *EchoClient) StreamGenerate(ctx context.Context, req Request) (<-chan Event, error) {
	var lastUser string
	for _, e := range req.Events {
		if e.Author != "user" || e.Content == nil {
			continue
		}
		lastUser = ""
		for _, p := range e.Content.Parts {
			if p.Kind == a2a.PartKindText {
				lastUser += p.Text
			}
		}
	}
	if lastUser == "" {
		lastUser = "(empty request)"
	}

	ch := make(chan Event, 2)
	go func() {
		defer close(ch)
		events := []Event{
			{InvocationID: uuid.NewString()},
			{TextDelta: "Echo: " + lastUser},
		}
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
