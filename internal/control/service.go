// Package control serves the REST-over-topic management plane: app
// CRUD and custom per-app management endpoints, authorized through the
// middleware config resolver.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentmesh/agentmesh/internal/apphost"
	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/middleware"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// OperationType names control-plane operations for authorization.
const OperationType = "control_plane_access"

// Service subscribes the control topic space and manages the host's
// apps.
type Service struct {
	host      *apphost.Host
	bus       broker.Broker
	namespace string
	logger    *logger.Logger
	sub       broker.Subscription
}

// NewService wires a control plane for one host.
func NewService(host *apphost.Host, bus broker.Broker, namespace string, log *logger.Logger) *Service {
	return &Service{
		host:      host,
		bus:       bus,
		namespace: namespace,
		logger:    log.WithComponent("control"),
	}
}

// Start subscribes the namespace's control subscription.
func (s *Service) Start() error {
	sub, err := s.bus.Subscribe(a2a.ControlSubscription(s.namespace), s.handle)
	if err != nil {
		return fmt.Errorf("subscribing control topics: %w", err)
	}
	s.sub = sub
	s.logger.Info("control plane started")
	return nil
}

// Stop drops the control subscription.
func (s *Service) Stop() {
	if s.sub != nil {
		s.sub.Unsubscribe() //nolint:errcheck
	}
}

// controlBody is the JSON-RPC params wrapper for control requests.
type controlBody struct {
	Body json.RawMessage `json:"body,omitempty"`
}

func (s *Service) handle(ctx context.Context, msg *broker.Message) error {
	defer msg.Ack()

	replyTo := msg.UserProperties[a2a.PropReplyTo]
	if replyTo == "" {
		s.logger.Warn("control request without replyTo dropped", "topic", msg.Topic)
		return nil
	}

	method, path, err := parseControlTopic(a2a.ControlPrefix(s.namespace), msg.Topic)
	if err != nil {
		s.logger.Warn("unparseable control topic", "topic", msg.Topic, "error", err)
		return nil
	}

	req, err := a2a.ParseRequest(msg.Payload)
	if err != nil {
		s.reply(ctx, replyTo, a2a.NewErrorResponse("", a2a.CodeInvalidRequest, "malformed control request"))
		return nil
	}
	var params controlBody
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.reply(ctx, replyTo, a2a.NewErrorResponse(req.ID, a2a.CodeInvalidRequest, "malformed control params"))
			return nil
		}
	}

	appName, customPath := "", ""
	if len(path) > 1 {
		appName = path[1]
	}
	if len(path) > 2 {
		customPath = strings.Join(path[2:], "/")
	}
	if err := s.authorize(ctx, msg, method, appName, customPath, path[0]); err != nil {
		s.reply(ctx, replyTo, a2a.NewErrorResponse(req.ID, a2a.CodeDenied, err.Error()))
		return nil
	}

	s.reply(ctx, replyTo, s.dispatch(ctx, req.ID, method, path, params.Body))
	return nil
}

// parseControlTopic splits {prefix}{method}/{resource}[/...] into the
// uppercased method and the resource path.
func parseControlTopic(prefix, topic string) (string, []string, error) {
	if !strings.HasPrefix(topic, prefix) {
		return "", nil, fmt.Errorf("topic %q is outside the control prefix", topic)
	}
	segments := strings.Split(topic[len(prefix):], "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return "", nil, fmt.Errorf("control topic %q needs method and resource", topic)
	}
	return strings.ToUpper(segments[0]), segments[1:], nil
}

func (s *Service) authorize(ctx context.Context, msg *broker.Message, method, appName, customPath, resource string) error {
	var userConfig middleware.UserConfig
	if raw := msg.UserProperties[a2a.PropUserConfig]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &userConfig); err != nil {
			return fmt.Errorf("malformed user config")
		}
	}
	return middleware.Get().ConfigResolver().ValidateOperationConfig(ctx, userConfig,
		middleware.OperationSpec{
			OperationType: OperationType,
			Method:        method,
			AppName:       appName,
			CustomPath:    customPath,
		},
		middleware.ValidationContext{Resource: resource, ComponentType: "control_service"})
}

func (s *Service) dispatch(ctx context.Context, id, method string, path []string, body json.RawMessage) *a2a.Response {
	if path[0] != "apps" {
		return a2a.NewErrorResponse(id, a2a.CodeMethodNotFound, fmt.Sprintf("unknown resource %q", path[0]))
	}
	switch {
	case len(path) == 1:
		return s.handleCollection(ctx, id, method, body)
	case len(path) == 2:
		return s.handleApp(ctx, id, method, path[1], body)
	default:
		return s.handleCustom(ctx, id, method, path[1], strings.Join(path[2:], "/"), body)
	}
}

func (s *Service) handleCollection(ctx context.Context, id, method string, body json.RawMessage) *a2a.Response {
	switch method {
	case "GET":
		apps := s.host.ListApps()
		infos := make([]apphost.Info, 0, len(apps))
		for _, app := range apps {
			infos = append(infos, app.Info(false))
		}
		return s.result(id, infos)
	case "POST":
		var spec apphost.AppSpec
		if err := json.Unmarshal(body, &spec); err != nil || spec.Name == "" {
			return a2a.NewErrorResponse(id, a2a.CodeInvalidRequest, "app spec needs at least a name")
		}
		app, err := s.host.CreateApp(ctx, spec)
		if err != nil {
			if strings.Contains(err.Error(), "already exists") {
				return a2a.NewErrorResponse(id, a2a.CodeConflict, err.Error())
			}
			return a2a.NewErrorResponse(id, a2a.CodeOperationFailed, err.Error())
		}
		return s.result(id, app.Info(false))
	default:
		return a2a.NewErrorResponse(id, a2a.CodeMethodNotFound, fmt.Sprintf("method %s not allowed on apps", method))
	}
}

func (s *Service) handleApp(ctx context.Context, id, method, name string, body json.RawMessage) *a2a.Response {
	app, ok := s.host.GetApp(name)
	if !ok {
		return a2a.NewErrorResponse(id, a2a.CodeNotFound, fmt.Sprintf("app %s not found", name))
	}
	switch method {
	case "GET":
		return s.result(id, app.Info(true))
	case "PUT":
		var spec apphost.AppSpec
		if err := json.Unmarshal(body, &spec); err != nil {
			return a2a.NewErrorResponse(id, a2a.CodeInvalidRequest, "malformed app spec")
		}
		replaced, err := s.host.ReplaceApp(ctx, name, spec)
		if err != nil {
			return a2a.NewErrorResponse(id, a2a.CodeOperationFailed, err.Error())
		}
		return s.result(id, replaced.Info(false))
	case "PATCH":
		var patch map[string]any
		if err := json.Unmarshal(body, &patch); err != nil {
			return a2a.NewErrorResponse(id, a2a.CodeInvalidRequest, "malformed patch body")
		}
		if enabled, ok := patch["enabled"].(bool); ok {
			if err := app.SetEnabled(ctx, enabled); err != nil {
				return a2a.NewErrorResponse(id, a2a.CodeOperationFailed, err.Error())
			}
		}
		app.ApplyPatch(patch)
		return s.result(id, app.Info(false))
	case "DELETE":
		if err := s.host.RemoveApp(name); err != nil {
			return a2a.NewErrorResponse(id, a2a.CodeOperationFailed, err.Error())
		}
		return s.result(id, map[string]any{"deleted": name})
	default:
		return a2a.NewErrorResponse(id, a2a.CodeMethodNotFound, fmt.Sprintf("method %s not allowed on apps/%s", method, name))
	}
}

func (s *Service) handleCustom(ctx context.Context, id, method, name, customPath string, body json.RawMessage) *a2a.Response {
	app, ok := s.host.GetApp(name)
	if !ok {
		return a2a.NewErrorResponse(id, a2a.CodeNotFound, fmt.Sprintf("app %s not found", name))
	}
	out, err := app.HandleManagementRequest(ctx, method, customPath, body)
	if err != nil {
		return a2a.NewErrorResponse(id, a2a.CodeOperationFailed, err.Error())
	}
	return s.result(id, out)
}

func (s *Service) result(id string, value any) *a2a.Response {
	resp, err := a2a.NewResponse(id, value)
	if err != nil {
		return a2a.NewErrorResponse(id, a2a.CodeInternalError, "encoding response")
	}
	return resp
}

func (s *Service) reply(ctx context.Context, replyTo string, resp *a2a.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode control reply", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, replyTo, payload, nil); err != nil {
		s.logger.Error("failed to publish control reply", "topic", replyTo, "error", err)
	}
}
