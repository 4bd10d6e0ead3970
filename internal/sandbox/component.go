package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// Component binds an Engine to the broker: it consumes invocation
// requests for one worker id, streams status updates to the task's
// status topic, and replies on the request's replyTo.
type Component struct {
	engine    *Engine
	bus       broker.Broker
	namespace string
	workerID  string
	logger    *logger.Logger
	sub       broker.Subscription
}

// NewComponent wires a broker-facing sandbox worker.
func NewComponent(engine *Engine, bus broker.Broker, namespace, workerID string, log *logger.Logger) *Component {
	return &Component{
		engine:    engine,
		bus:       bus,
		namespace: namespace,
		workerID:  workerID,
		logger:    log.WithComponent("sandbox-worker"),
	}
}

// Start subscribes the worker's request topic.
func (c *Component) Start() error {
	sub, err := c.bus.Subscribe(a2a.SandboxRequestTopic(c.namespace, c.workerID), c.handle)
	if err != nil {
		return fmt.Errorf("subscribing sandbox requests: %w", err)
	}
	c.sub = sub
	c.logger.Info("sandbox worker started", "workerId", c.workerID)
	return nil
}

// Stop drops the request subscription.
func (c *Component) Stop() {
	if c.sub != nil {
		c.sub.Unsubscribe() //nolint:errcheck
	}
}

func (c *Component) handle(ctx context.Context, msg *broker.Message) error {
	replyTo := msg.UserProperties[a2a.PropReplyTo]
	statusTopic := msg.UserProperties[a2a.PropStatusTopic]

	req, err := a2a.ParseRequest(msg.Payload)
	if err != nil || req.Method != a2a.MethodSandboxInvoke {
		c.logger.Warn("dropping malformed sandbox request", "topic", msg.Topic, "error", err)
		if replyTo != "" {
			id := ""
			if req != nil {
				id = req.ID
			}
			c.reply(ctx, replyTo, a2a.NewErrorResponse(id, a2a.CodeInvalidRequest, "malformed sandbox request"))
		}
		msg.Ack()
		return nil
	}
	if replyTo == "" {
		c.logger.Warn("sandbox request without replyTo dropped", "topic", msg.Topic)
		msg.Ack()
		return nil
	}

	var invocation InvocationRequest
	if err := json.Unmarshal(req.Params, &invocation); err != nil {
		c.reply(ctx, replyTo, a2a.NewErrorResponse(req.ID, a2a.CodeInvalidRequest, "invalid invocation params"))
		msg.Ack()
		return nil
	}

	statusFn := StatusFunc(nil)
	if statusTopic != "" {
		statusFn = func(update StatusUpdate) {
			payload, err := json.Marshal(update)
			if err != nil {
				return
			}
			if err := c.bus.Publish(ctx, statusTopic, payload, nil); err != nil {
				c.logger.Warn("failed to publish status update", "taskId", update.TaskID, "error", err)
			}
		}
	}

	result := c.engine.Invoke(ctx, &invocation, statusFn)
	resp, err := a2a.NewResponse(req.ID, result)
	if err != nil {
		resp = a2a.NewErrorResponse(req.ID, a2a.CodeInternalError, "encoding invocation response")
	}
	c.reply(ctx, replyTo, resp)
	msg.Ack()
	return nil
}

func (c *Component) reply(ctx context.Context, replyTo string, resp *a2a.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to encode reply", "error", err)
		return
	}
	if err := c.bus.Publish(ctx, replyTo, payload, nil); err != nil {
		c.logger.Error("failed to publish reply", "topic", replyTo, "error", err)
	}
}
