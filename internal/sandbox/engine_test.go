package sandbox

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agentmesh/agentmesh/internal/artifact"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

const testManifest = `version: 1
tools:
  render_text:
    runtime: python
    module: tools.render
    function: render
    sandbox_profile: standard
  slow_tool:
    runtime: python
    module: tools.slow
    function: run
    timeout_seconds: 1
  broken_tool:
    runtime: python
    module: tools.broken
`

// echoScript reads runner_args.json conventions: writes a status line,
// an output file, and a result file.
const echoScript = `#!/bin/sh
DIR=$(dirname "$1")
echo '{"status":"rendering"}' > "$DIR/status.pipe"
printf 'hello from tool' > "$DIR/output/foo.txt"
printf '{"result":{"text":"HI"}}' > "$DIR/result.json"
`

const sleepScript = `#!/bin/sh
sleep 30
`

const toolErrorScript = `#!/bin/sh
DIR=$(dirname "$1")
printf '{"error":"tool blew up"}' > "$DIR/result.json"
`

const noResultScript = `#!/bin/sh
exit 0
`

const copyInputScript = `#!/bin/sh
DIR=$(dirname "$1")
cat "$DIR"/input/* > "$DIR/output/combined.txt"
printf '{"result":{"ok":true}}' > "$DIR/result.json"
`

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.sh")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestEngine(t *testing.T, script string) (*Engine, *artifact.Service) {
	t.Helper()
	store := artifact.NewMemoryStore()
	artifacts := artifact.NewService(store, "myorg/test/", "worker", artifact.ScopeNamespace, nil, logger.Default())
	cfg := config.SandboxConfig{
		BaseDir:                 t.TempDir(),
		MaxConcurrentExecutions: 4,
		DefaultTimeoutSeconds:   5,
		DefaultProfile:          "standard",
		RunnerCommand:           script,
		Isolation:               "direct",
	}
	manifest := NewManifest(writeManifest(t, testManifest), logger.Default())
	return NewEngine(cfg, manifest, artifacts, logger.Default()), artifacts
}

func TestInvokeHappyPath(t *testing.T) {
	engine, artifacts := newTestEngine(t, writeScript(t, echoScript))

	var (
		mu       sync.Mutex
		statuses []string
	)
	resp := engine.Invoke(context.Background(), &InvocationRequest{
		TaskID:    "task-1",
		ToolName:  "render_text",
		UserID:    "alice",
		SessionID: "s1",
		Args:      map[string]any{"text": "HI"},
	}, func(u StatusUpdate) {
		mu.Lock()
		statuses = append(statuses, u.Status)
		mu.Unlock()
	})

	require.True(t, resp.Success, "error: %s %s", resp.ErrorCode, resp.ErrorMessage)
	assert.Equal(t, "HI", resp.Result["text"])
	assert.Greater(t, resp.ExecutionTimeMs, int64(0))

	require.Len(t, resp.CreatedArtifacts, 1)
	created := resp.CreatedArtifacts[0]
	assert.Equal(t, "foo.txt", created.Filename)
	assert.GreaterOrEqual(t, created.Version, 0)
	assert.Equal(t, int64(len("hello from tool")), created.Size)

	data, _, err := artifacts.Load(context.Background(), "alice", "s1", "foo.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello from tool", string(data))

	mu.Lock()
	assert.Contains(t, statuses, "rendering")
	mu.Unlock()
}

func TestInvokeRemovesWorkDir(t *testing.T) {
	engine, _ := newTestEngine(t, writeScript(t, echoScript))
	resp := engine.Invoke(context.Background(), &InvocationRequest{
		TaskID: "task-2", ToolName: "render_text", UserID: "alice", SessionID: "s1",
	}, nil)
	require.True(t, resp.Success)
	_, err := os.Stat(filepath.Join(engine.cfg.BaseDir, "task-2"))
	assert.True(t, os.IsNotExist(err))
}

func TestInvokeTimeout(t *testing.T) {
	engine, _ := newTestEngine(t, writeScript(t, sleepScript))
	start := time.Now()
	resp := engine.Invoke(context.Background(), &InvocationRequest{
		TaskID: "task-3", ToolName: "slow_tool", UserID: "alice", SessionID: "s1",
	}, nil)
	elapsed := time.Since(start)

	assert.False(t, resp.Success)
	assert.True(t, resp.TimedOut)
	assert.Equal(t, CodeSandboxTimeout, resp.ErrorCode)
	// timeout 1s + kill buffer 2s, with slack for slow machines
	assert.Less(t, elapsed, 10*time.Second)
}

func TestInvokeToolError(t *testing.T) {
	engine, _ := newTestEngine(t, writeScript(t, toolErrorScript))
	resp := engine.Invoke(context.Background(), &InvocationRequest{
		TaskID: "task-4", ToolName: "render_text", UserID: "alice", SessionID: "s1",
	}, nil)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeToolError, resp.ErrorCode)
	assert.Contains(t, resp.ErrorMessage, "tool blew up")
}

func TestInvokeMissingResultFile(t *testing.T) {
	engine, _ := newTestEngine(t, writeScript(t, noResultScript))
	resp := engine.Invoke(context.Background(), &InvocationRequest{
		TaskID: "task-5", ToolName: "render_text", UserID: "alice", SessionID: "s1",
	}, nil)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeExecutionError, resp.ErrorCode)
}

func TestInvokeValidation(t *testing.T) {
	engine, _ := newTestEngine(t, writeScript(t, echoScript))

	resp := engine.Invoke(context.Background(), &InvocationRequest{ToolName: "render_text"}, nil)
	assert.Equal(t, CodeInvalidRequest, resp.ErrorCode)

	resp = engine.Invoke(context.Background(), &InvocationRequest{
		TaskID: "task-6", ToolName: "no_such_tool", UserID: "alice", SessionID: "s1",
	}, nil)
	assert.Equal(t, CodeToolNotFound, resp.ErrorCode)

	// broken_tool was skipped at manifest load
	resp = engine.Invoke(context.Background(), &InvocationRequest{
		TaskID: "task-7", ToolName: "broken_tool", UserID: "alice", SessionID: "s1",
	}, nil)
	assert.Equal(t, CodeToolNotFound, resp.ErrorCode)
}

func TestInvokeMaterializesInputs(t *testing.T) {
	engine, artifacts := newTestEngine(t, writeScript(t, copyInputScript))
	ctx := context.Background()

	_, err := artifacts.Save(ctx, "alice", "s1", "ref.txt", []byte("referenced"), "text/plain")
	require.NoError(t, err)

	resp := engine.Invoke(ctx, &InvocationRequest{
		TaskID:    "task-8",
		ToolName:  "render_text",
		UserID:    "alice",
		SessionID: "s1",
		PreloadedArtifacts: []PreloadedArtifact{{
			ParamName:  "inline",
			Filename:   "pre.txt",
			Base64Data: base64.StdEncoding.EncodeToString([]byte("preloaded")),
		}},
		ArtifactReferences: []ArtifactReference{{ParamName: "stored", Filename: "ref.txt"}},
	}, nil)
	require.True(t, resp.Success, "error: %s %s", resp.ErrorCode, resp.ErrorMessage)

	data, _, err := artifacts.Load(ctx, "alice", "s1", "combined.txt", nil)
	require.NoError(t, err)
	assert.Contains(t, string(data), "preloaded")
	assert.Contains(t, string(data), "referenced")
}

func TestInvokeArtifactReferenceMissing(t *testing.T) {
	engine, _ := newTestEngine(t, writeScript(t, echoScript))
	resp := engine.Invoke(context.Background(), &InvocationRequest{
		TaskID:             "task-9",
		ToolName:           "render_text",
		UserID:             "alice",
		SessionID:          "s1",
		ArtifactReferences: []ArtifactReference{{ParamName: "x", Filename: "nope.txt"}},
	}, nil)
	assert.Equal(t, CodeArtifactError, resp.ErrorCode)
}

func TestConcurrencyGate(t *testing.T) {
	script := writeScript(t, `#!/bin/sh
DIR=$(dirname "$1")
sleep 0.3
printf '{"result":{}}' > "$DIR/result.json"
`)
	engine, _ := newTestEngine(t, script)
	engine.sem = semaphore.NewWeighted(1)

	start := time.Now()
	var g errgroup.Group
	for _, id := range []string{"gate-1", "gate-2"} {
		id := id
		g.Go(func() error {
			resp := engine.Invoke(context.Background(), &InvocationRequest{
				TaskID: id, ToolName: "render_text", UserID: "alice", SessionID: "s1",
			}, nil)
			if !resp.Success {
				t.Errorf("invocation %s failed: %s", id, resp.ErrorMessage)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.GreaterOrEqual(t, time.Since(start), 600*time.Millisecond, "executions serialised")
}

func TestManifestReloadOnMtimeChange(t *testing.T) {
	path := writeManifest(t, testManifest)
	m := NewManifest(path, logger.Default())

	_, err := m.Resolve("render_text")
	require.NoError(t, err)
	_, err = m.Resolve("new_tool")
	require.Error(t, err)

	updated := testManifest + `  new_tool:
    runtime: python
    module: tools.new
    function: run
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	spec, err := m.Resolve("new_tool")
	require.NoError(t, err)
	assert.Equal(t, "tools.new", spec.Module)
}

func TestManifestRejectsWrongVersion(t *testing.T) {
	path := writeManifest(t, "version: 2\ntools: {}\n")
	m := NewManifest(path, logger.Default())
	_, err := m.Resolve("anything")
	assert.Error(t, err)
}
