// Package sandbox supervises tool subprocesses: manifest-driven tool
// resolution, isolated or direct execution with a named-pipe status
// relay, artifact preload and output collection, and a concurrency
// gate.
package sandbox

// Error codes carried in the response envelope. Sandbox failures are
// never retried automatically.
const (
	CodeSandboxTimeout = "SANDBOX_TIMEOUT"
	CodeExecutionError = "EXECUTION_ERROR"
	CodeToolNotFound   = "TOOL_NOT_FOUND"
	CodeImportError    = "IMPORT_ERROR"
	CodeToolError      = "TOOL_ERROR"
	CodeArtifactError  = "ARTIFACT_ERROR"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInternalError  = "INTERNAL_ERROR"
)

// PreloadedArtifact is an input shipped inline with the request.
type PreloadedArtifact struct {
	ParamName  string `json:"param_name"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type,omitempty"`
	Base64Data string `json:"base64_data"`
}

// ArtifactReference is an input fetched from the artifact service.
type ArtifactReference struct {
	ParamName string `json:"param_name"`
	Filename  string `json:"filename"`
	Version   *int   `json:"version,omitempty"`
}

// InvocationRequest asks the worker to run one tool.
type InvocationRequest struct {
	TaskID             string              `json:"task_id"`
	ToolName           string              `json:"tool_name"`
	Args               map[string]any      `json:"args,omitempty"`
	ToolConfig         map[string]any      `json:"tool_config,omitempty"`
	AppName            string              `json:"app_name"`
	UserID             string              `json:"user_id"`
	SessionID          string              `json:"session_id"`
	PreloadedArtifacts []PreloadedArtifact `json:"preloaded_artifacts,omitempty"`
	ArtifactReferences []ArtifactReference `json:"artifact_references,omitempty"`
	TimeoutSeconds     int                 `json:"timeout_seconds,omitempty"`
	SandboxProfile     string              `json:"sandbox_profile,omitempty"`
}

// CreatedArtifact describes one output file saved into the artifact
// service.
type CreatedArtifact struct {
	Filename string `json:"filename"`
	Version  int    `json:"version"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// InvocationResponse is the worker's reply.
type InvocationResponse struct {
	TaskID           string            `json:"task_id"`
	ToolName         string            `json:"tool_name"`
	Success          bool              `json:"success"`
	TimedOut         bool              `json:"timed_out,omitempty"`
	ErrorCode        string            `json:"error_code,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	Result           map[string]any    `json:"result,omitempty"`
	CreatedArtifacts []CreatedArtifact `json:"created_artifacts"`
	ExecutionTimeMs  int64             `json:"execution_time_ms"`
}

// StatusUpdate is one line relayed from the runner's status pipe.
type StatusUpdate struct {
	TaskID   string `json:"task_id"`
	ToolName string `json:"tool_name"`
	Status   string `json:"status"`
}

// runnerArgs is the contract written to runner_args.json for the
// spawned runner process.
type runnerArgs struct {
	Module        string            `json:"module"`
	Function      string            `json:"function"`
	Args          map[string]any    `json:"args,omitempty"`
	ToolConfig    map[string]any    `json:"tool_config,omitempty"`
	UserID        string            `json:"user_id"`
	SessionID     string            `json:"session_id"`
	AppName       string            `json:"app_name"`
	ArtifactPaths map[string]string `json:"artifact_paths,omitempty"`
	StatusPipe    string            `json:"status_pipe"`
	ResultFile    string            `json:"result_file"`
	OutputDir     string            `json:"output_dir"`
}

// runnerResult is what the runner writes to result.json.
type runnerResult struct {
	Error  string         `json:"error,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}
