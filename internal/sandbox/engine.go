package sandbox

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentmesh/agentmesh/internal/artifact"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/metrics"
)

// killBuffer is added on top of the per-invocation timeout before the
// runner is killed.
const killBuffer = 2 * time.Second

// StatusFunc receives runner status lines as they arrive.
type StatusFunc func(StatusUpdate)

// Engine runs manifest tools in supervised subprocesses.
type Engine struct {
	cfg       config.SandboxConfig
	manifest  *Manifest
	artifacts *artifact.Service
	sem       *semaphore.Weighted
	logger    *logger.Logger
	now       func() time.Time
}

// NewEngine wires the engine against a manifest and an artifact
// service.
func NewEngine(cfg config.SandboxConfig, manifest *Manifest, artifacts *artifact.Service, log *logger.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		manifest:  manifest,
		artifacts: artifacts,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentExecutions)),
		logger:    log.WithComponent("sandbox-engine"),
		now:       time.Now,
	}
}

// Invoke runs one tool invocation end to end. Failures are encoded in
// the response; the returned value is never nil.
func (e *Engine) Invoke(ctx context.Context, req *InvocationRequest, statusFn StatusFunc) *InvocationResponse {
	started := e.now()
	resp := e.invoke(ctx, req, statusFn)
	resp.ExecutionTimeMs = e.now().Sub(started).Milliseconds()
	if resp.CreatedArtifacts == nil {
		resp.CreatedArtifacts = []CreatedArtifact{}
	}

	reason := "success"
	if !resp.Success {
		reason = resp.ErrorCode
	}
	metrics.SandboxExecutions.WithLabelValues(reason).Inc()
	metrics.SandboxDuration.Observe(float64(resp.ExecutionTimeMs) / 1000)
	return resp
}

func (e *Engine) invoke(ctx context.Context, req *InvocationRequest, statusFn StatusFunc) *InvocationResponse {
	resp := &InvocationResponse{TaskID: req.TaskID, ToolName: req.ToolName}
	fail := func(code, format string, args ...any) *InvocationResponse {
		resp.ErrorCode = code
		resp.ErrorMessage = fmt.Sprintf(format, args...)
		e.logger.Error("invocation failed",
			"taskId", req.TaskID, "tool", req.ToolName, "code", code, "error", resp.ErrorMessage)
		return resp
	}

	if req.TaskID == "" || req.ToolName == "" {
		return fail(CodeInvalidRequest, "task_id and tool_name are required")
	}
	spec, err := e.manifest.Resolve(req.ToolName)
	if err != nil {
		return fail(CodeToolNotFound, "%v", err)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fail(CodeInternalError, "acquiring execution slot: %v", err)
	}
	defer e.sem.Release(1)

	workDir := filepath.Join(e.cfg.BaseDir, req.TaskID)
	inputDir := filepath.Join(workDir, "input")
	outputDir := filepath.Join(workDir, "output")
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail(CodeInternalError, "creating work dir: %v", err)
		}
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			e.logger.Warn("failed to remove work dir", "dir", workDir, "error", err)
		}
	}()

	pipePath := filepath.Join(workDir, "status.pipe")
	if err := mkfifo(pipePath); err != nil {
		return fail(CodeInternalError, "creating status pipe: %v", err)
	}

	artifactPaths, err := e.materializeInputs(ctx, req, inputDir)
	if err != nil {
		return fail(CodeArtifactError, "%v", err)
	}

	resultPath := filepath.Join(workDir, "result.json")
	argsPath := filepath.Join(workDir, "runner_args.json")
	args := runnerArgs{
		Module:        spec.Module,
		Function:      spec.Function,
		Args:          req.Args,
		ToolConfig:    req.ToolConfig,
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		AppName:       req.AppName,
		ArtifactPaths: artifactPaths,
		StatusPipe:    pipePath,
		ResultFile:    resultPath,
		OutputDir:     outputDir,
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return fail(CodeInternalError, "encoding runner args: %v", err)
	}
	if err := os.WriteFile(argsPath, rawArgs, 0o644); err != nil {
		return fail(CodeInternalError, "writing runner args: %v", err)
	}

	profile := req.SandboxProfile
	if profile == "" {
		profile = spec.SandboxProfile
	}
	if profile == "" {
		profile = e.cfg.DefaultProfile
	}

	cmd := exec.Command(e.cfg.RunnerCommand, argsPath)
	cmd.Dir = workDir
	cmd.Env = minimalEnv()
	if e.cfg.Isolation != "direct" {
		isolate(cmd)
	}
	if err := cmd.Start(); err != nil {
		return fail(CodeExecutionError, "starting runner: %v", err)
	}
	if e.cfg.Isolation != "direct" {
		if err := applyLimits(cmd.Process.Pid, profile); err != nil {
			e.logger.Warn("failed to apply resource limits",
				"pid", cmd.Process.Pid, "profile", profile, "error", err)
		}
	}

	stopReader := e.startStatusReader(pipePath, req, statusFn)
	defer stopReader()

	timeout := e.effectiveTimeout(req, spec)
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		killProcess(cmd)
		<-waitCh
		return fail(CodeExecutionError, "invocation canceled: %v", ctx.Err())
	case <-time.After(timeout + killBuffer):
		killProcess(cmd)
		<-waitCh
		resp.TimedOut = true
		return fail(CodeSandboxTimeout, "runner exceeded %s", timeout)
	case err := <-waitCh:
		if err != nil {
			return fail(CodeExecutionError, "runner exited: %v", err)
		}
	}

	rawResult, err := os.ReadFile(resultPath)
	if err != nil {
		return fail(CodeExecutionError, "runner produced no result file: %v", err)
	}
	var result runnerResult
	if err := json.Unmarshal(rawResult, &result); err != nil {
		return fail(CodeExecutionError, "parsing result file: %v", err)
	}
	if result.Error != "" {
		if strings.Contains(result.Error, "import") || strings.Contains(result.Error, "ModuleNotFound") {
			return fail(CodeImportError, "%s", result.Error)
		}
		return fail(CodeToolError, "%s", result.Error)
	}

	created, err := e.collectOutputs(ctx, req, outputDir)
	if err != nil {
		return fail(CodeArtifactError, "%v", err)
	}

	resp.Success = true
	resp.Result = result.Result
	resp.CreatedArtifacts = created
	return resp
}

func (e *Engine) effectiveTimeout(req *InvocationRequest, spec *ToolSpec) time.Duration {
	seconds := req.TimeoutSeconds
	if seconds <= 0 {
		seconds = spec.TimeoutSeconds
	}
	if seconds <= 0 {
		seconds = e.cfg.DefaultTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

// materializeInputs decodes preloaded artifacts and fetches referenced
// ones into the input directory.
func (e *Engine) materializeInputs(ctx context.Context, req *InvocationRequest, inputDir string) (map[string]string, error) {
	paths := make(map[string]string)
	for _, pre := range req.PreloadedArtifacts {
		data, err := base64.StdEncoding.DecodeString(pre.Base64Data)
		if err != nil {
			return nil, fmt.Errorf("decoding preloaded artifact %s: %w", pre.Filename, err)
		}
		local := filepath.Join(inputDir, filepath.Base(pre.Filename))
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return nil, fmt.Errorf("writing preloaded artifact %s: %w", pre.Filename, err)
		}
		paths[pre.ParamName] = local
	}
	for _, ref := range req.ArtifactReferences {
		data, _, err := e.artifacts.Load(ctx, req.UserID, req.SessionID, ref.Filename, ref.Version)
		if err != nil {
			return nil, fmt.Errorf("loading artifact %s: %w", ref.Filename, err)
		}
		local := filepath.Join(inputDir, filepath.Base(ref.Filename))
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return nil, fmt.Errorf("writing artifact %s: %w", ref.Filename, err)
		}
		paths[ref.ParamName] = local
	}
	return paths, nil
}

// collectOutputs saves every file the runner left in the output dir.
func (e *Engine) collectOutputs(ctx context.Context, req *InvocationRequest, outputDir string) ([]CreatedArtifact, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("listing output dir: %w", err)
	}
	created := make([]CreatedArtifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(outputDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading output %s: %w", entry.Name(), err)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(entry.Name()))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		version, err := e.artifacts.Save(ctx, req.UserID, req.SessionID, entry.Name(), data, mimeType)
		if err != nil {
			return nil, fmt.Errorf("saving output %s: %w", entry.Name(), err)
		}
		created = append(created, CreatedArtifact{
			Filename: entry.Name(),
			Version:  version,
			MimeType: mimeType,
			Size:     int64(len(data)),
		})
	}
	return created, nil
}

// startStatusReader relays JSON status lines from the FIFO until the
// returned stop function is called. The pipe is opened read-write so
// the open never blocks and a runner closing its end never EOFs the
// reader.
func (e *Engine) startStatusReader(pipePath string, req *InvocationRequest, statusFn StatusFunc) func() {
	pipe, err := os.OpenFile(pipePath, os.O_RDWR, 0)
	if err != nil {
		e.logger.Warn("cannot open status pipe", "path", pipePath, "error", err)
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pipe)
		for scanner.Scan() {
			var line struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil || line.Status == "" {
				continue
			}
			if statusFn != nil {
				statusFn(StatusUpdate{TaskID: req.TaskID, ToolName: req.ToolName, Status: line.Status})
			}
		}
	}()
	return func() {
		// Short grace period so lines already in the pipe buffer are
		// drained before the blocked read is interrupted.
		pipe.SetReadDeadline(time.Now().Add(200 * time.Millisecond)) //nolint:errcheck
		<-done
		pipe.Close()
	}
}

// minimalEnv is the restricted environment handed to runners.
func minimalEnv() []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=C.UTF-8",
		"HOME=/tmp",
	}
}
