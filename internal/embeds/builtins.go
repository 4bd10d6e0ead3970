package embeds

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/artifact"
)

// Built-in embed types.
const (
	TypeDatetime        = "datetime"
	TypeUUID            = "uuid"
	TypeStatusUpdate    = "status_update"
	TypeArtifactContent = "artifact_content"
	TypeArtifactMeta    = "artifact_meta"
)

func registerBuiltins(r *Resolver) {
	r.Register(TypeDatetime, PhaseEarly, datetimeHandler)
	r.Register(TypeUUID, PhaseEarly, uuidHandler)
	r.Register(TypeStatusUpdate, PhaseEarly, statusUpdateHandler)
}

// datetimeHandler renders the current UTC time. An empty expression
// means RFC 3339; otherwise the expression is a Go time layout.
func datetimeHandler(_ context.Context, expr string, _ *RequestContext) (string, *Signal, error) {
	now := time.Now().UTC()
	if expr == "" {
		return now.Format(time.RFC3339), nil, nil
	}
	return now.Format(expr), nil, nil
}

func uuidHandler(_ context.Context, _ string, _ *RequestContext) (string, *Signal, error) {
	return uuid.NewString(), nil, nil
}

// statusUpdateHandler replaces the embed with nothing and signals the
// gateway to publish the expression as an intermediate status update.
func statusUpdateHandler(_ context.Context, expr string, _ *RequestContext) (string, *Signal, error) {
	return "", &Signal{Kind: SignalStatusUpdate, Data: expr}, nil
}

// RegisterArtifactHandlers binds the late-phase artifact embeds against
// an artifact service. Expressions are "filename" or
// "filename:version".
func RegisterArtifactHandlers(r *Resolver, svc *artifact.Service) {
	r.Register(TypeArtifactContent, PhaseLate, func(ctx context.Context, expr string, rctx *RequestContext) (string, *Signal, error) {
		if rctx == nil {
			return "", nil, fmt.Errorf("artifact_content needs a request context")
		}
		filename, version, err := splitArtifactExpr(expr)
		if err != nil {
			return "", nil, err
		}
		data, _, err := svc.Load(ctx, rctx.UserID, rctx.SessionID, filename, version)
		if err != nil {
			return "", nil, fmt.Errorf("loading %s: %w", filename, err)
		}
		return string(data), nil, nil
	})
	r.Register(TypeArtifactMeta, PhaseLate, func(ctx context.Context, expr string, rctx *RequestContext) (string, *Signal, error) {
		if rctx == nil {
			return "", nil, fmt.Errorf("artifact_meta needs a request context")
		}
		filename, version, err := splitArtifactExpr(expr)
		if err != nil {
			return "", nil, err
		}
		meta, err := svc.GetVersionMetadata(ctx, rctx.UserID, rctx.SessionID, filename, version)
		if err != nil {
			return "", nil, fmt.Errorf("describing %s: %w", filename, err)
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return "", nil, err
		}
		return string(raw), nil, nil
	})
}

func splitArtifactExpr(expr string) (string, *int, error) {
	filename, versionStr, hasVersion := strings.Cut(expr, ":")
	if filename == "" {
		return "", nil, fmt.Errorf("empty artifact filename in embed %q", expr)
	}
	if !hasVersion {
		return filename, nil, nil
	}
	v, err := strconv.Atoi(versionStr)
	if err != nil || v < 0 {
		return "", nil, fmt.Errorf("invalid artifact version in embed %q", expr)
	}
	return filename, &v, nil
}
