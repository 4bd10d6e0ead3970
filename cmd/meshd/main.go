// Package main is the unified entry point for the agent mesh. One binary
// runs the configured apps (agent, gateway, sandbox worker, async service)
// on a shared broker, plus the topic control plane.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/apphost"
	"github.com/agentmesh/agentmesh/internal/artifact"
	"github.com/agentmesh/agentmesh/internal/asynctask"
	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/control"
	"github.com/agentmesh/agentmesh/internal/gateway"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/middleware"
	"github.com/agentmesh/agentmesh/internal/sandbox"
	"github.com/agentmesh/agentmesh/internal/session"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("meshd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	ns := cfg.Namespace
	log.Info("starting meshd", "namespace", ns)

	bus, err := broker.New(cfg.Broker, log)
	if err != nil {
		return fmt.Errorf("connecting broker: %w", err)
	}
	defer bus.Close()

	sessions, err := newSessionService(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	store, err := newArtifactStore(cfg)
	if err != nil {
		return fmt.Errorf("opening artifact store: %w", err)
	}
	scopeMode := artifact.ScopeNamespace
	if cfg.Artifact.ScopeByAppName {
		scopeMode = artifact.ScopeApp
	}

	if err := middleware.Get().RunInitializationCallbacks(ctx); err != nil {
		return fmt.Errorf("running initialization callbacks: %w", err)
	}

	host := apphost.NewHost(bus, nil, log)

	// Agent app. The echo model keeps dev mode self-contained; a real
	// provider is wired by the embedding deployment.
	agentArtifacts := artifact.NewService(store, ns, cfg.Agent.Name, scopeMode, nil, log)
	meshAgent := agent.NewAgent(bus, cfg.Agent, ns, sessions, agentArtifacts, llm.NewEchoClient(), log)
	agentApp := apphost.NewApp(apphost.AppSpec{Name: cfg.Agent.Name, Enabled: true}, log)
	agentApp.AddComponent(meshAgent)
	if err := host.AddApp(agentApp); err != nil {
		return err
	}

	// Gateway app. The log sink stands in for an external platform.
	gwArtifacts := artifact.NewService(store, ns, cfg.Gateway.ID, scopeMode, nil, log)
	gw := gateway.NewGatewayBase(bus, cfg.Gateway, ns, meshAgent.Registry(), gwArtifacts,
		&logSink{log: log.WithComponent("gateway-sink")}, log)
	gatewayApp := apphost.NewApp(apphost.AppSpec{Name: cfg.Gateway.ID, Enabled: true}, log)
	gatewayApp.AddComponent(&component{name: "gateway-core", start: gw.Start, stop: gw.Stop})
	if err := host.AddApp(gatewayApp); err != nil {
		return err
	}

	// Sandbox worker app.
	sandboxArtifacts := artifact.NewService(store, ns, cfg.Sandbox.WorkerID, scopeMode, nil, log)
	manifest := sandbox.NewManifest(cfg.Sandbox.ManifestPath, log)
	engine := sandbox.NewEngine(cfg.Sandbox, manifest, sandboxArtifacts, log)
	worker := sandbox.NewComponent(engine, bus, ns, cfg.Sandbox.WorkerID, log)
	sandboxApp := apphost.NewApp(apphost.AppSpec{Name: "sandbox-" + cfg.Sandbox.WorkerID, Enabled: true}, log)
	sandboxApp.AddComponent(&component{
		name:  "sandbox-worker",
		start: func(context.Context) error { return worker.Start() },
		stop:  worker.Stop,
	})
	if err := host.AddApp(sandboxApp); err != nil {
		return err
	}

	// Async human-task service app, listening for this gateway's users.
	asyncSvc := asynctask.NewService(asynctask.NewMemoryStore(), bus, ns, cfg.Async, log)
	asyncApp := apphost.NewApp(apphost.AppSpec{Name: "async-service", Enabled: true}, log)
	asyncApp.AddComponent(&component{
		name: "async-service",
		start: func(ctx context.Context) error {
			asyncSvc.Start(ctx)
			_, err := asyncSvc.SubscribeUserResponses(cfg.Gateway.ID)
			return err
		},
		stop: asyncSvc.Stop,
	})
	if err := host.AddApp(asyncApp); err != nil {
		return err
	}

	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("starting apps: %w", err)
	}
	defer host.Stop()

	ctrl := control.NewService(host, bus, ns, log)
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("starting control plane: %w", err)
	}
	defer ctrl.Stop()

	log.Info("meshd running", "apps", len(host.ListApps()))
	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

func newSessionService(ctx context.Context, cfg *config.Config, log *logger.Logger) (session.Service, error) {
	if cfg.Session.StoreURL == "" {
		return session.NewMemoryService(log), nil
	}
	return session.NewSQLService(ctx, cfg.Session.StoreURL, log)
}

func newArtifactStore(cfg *config.Config) (artifact.Store, error) {
	if cfg.Artifact.Backend == "filesystem" {
		return artifact.NewFilesystemStore(cfg.Artifact.BasePath)
	}
	return artifact.NewMemoryStore(), nil
}

// component adapts start/stop pairs to the app host contract.
type component struct {
	name  string
	start func(context.Context) error
	stop  func()
}

func (c *component) Name() string                    { return c.name }
func (c *component) Start(ctx context.Context) error { return c.start(ctx) }
func (c *component) Stop()                           { c.stop() }

// logSink writes gateway deliveries to the log. It stands in for a real
// external platform in single-binary dev mode.
type logSink struct {
	log *logger.Logger
}

func (s *logSink) SendStatusUpdate(_ context.Context, ec *gateway.ExternalContext, event *a2a.TaskStatusUpdateEvent) error {
	s.log.Info("status update", "task_id", event.TaskID, "user_id", ec.UserID,
		"text", statusText(event))
	return nil
}

func (s *logSink) SendArtifactUpdate(_ context.Context, ec *gateway.ExternalContext, event *a2a.TaskArtifactUpdateEvent) error {
	s.log.Info("artifact update", "task_id", event.TaskID, "user_id", ec.UserID,
		"artifact", event.Artifact.Name)
	return nil
}

func (s *logSink) SendFinal(_ context.Context, ec *gateway.ExternalContext, task *a2a.Task) error {
	s.log.Info("task finished", "task_id", task.ID, "user_id", ec.UserID,
		"state", string(task.Status.State))
	return nil
}

func (s *logSink) SendError(_ context.Context, ec *gateway.ExternalContext, rpcErr *a2a.RPCError) error {
	s.log.Warn("task error", "user_id", ec.UserID, "code", rpcErr.Code, "message", rpcErr.Message)
	return nil
}

func statusText(event *a2a.TaskStatusUpdateEvent) string {
	if event.Status.Message == nil {
		return ""
	}
	var out string
	for _, p := range event.Status.Message.Parts {
		if p.Kind == a2a.PartKindText {
			out += p.Text
		}
	}
	return out
}
