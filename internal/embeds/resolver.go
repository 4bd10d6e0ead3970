// Package embeds evaluates inline «type:expression» templates found in
// message text. Types are split into an early phase (resolved by the
// producing agent before publish) and a late phase (resolved by the
// gateway on receive); handlers may emit signals instead of text.
package embeds

import (
	"context"
	"regexp"
	"strings"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Default delimiters. Configurable because some transports mangle the
// guillemets.
const (
	DefaultOpenDelimiter  = "«"
	DefaultCloseDelimiter = "»"
)

// DefaultMaxDepth bounds recursive re-resolution of substituted output.
const DefaultMaxDepth = 3

// Phase says when a type is resolved.
type Phase int

const (
	PhaseEarly Phase = iota
	PhaseLate
)

// SignalStatusUpdate asks the gateway to emit an intermediate status
// update carrying the signal data.
const SignalStatusUpdate = "SIGNAL_STATUS_UPDATE"

// Signal is a non-text side effect returned by a handler. Index is the
// rune offset in the resolved output where the embed sat.
type Signal struct {
	Index int
	Kind  string
	Data  string
}

// RequestContext carries the identity of the task whose text is being
// resolved, so handlers can reach per-user state.
type RequestContext struct {
	TaskID    string
	UserID    string
	SessionID string
}

// Handler resolves one expression. Returning a non-nil signal replaces
// the embed with the empty string and bubbles the signal to the caller.
type Handler func(ctx context.Context, expr string, rctx *RequestContext) (string, *Signal, error)

// Resolver holds the type registry and the compiled embed pattern.
type Resolver struct {
	open     string
	close    string
	maxDepth int
	pattern  *regexp.Regexp
	handlers map[string]Handler
	phases   map[string]Phase
	logger   *logger.Logger
}

// NewResolver builds a resolver with the given delimiters and recursion
// depth, with the built-in early types registered. Zero maxDepth means
// DefaultMaxDepth; empty delimiters mean the defaults.
func NewResolver(open, close string, maxDepth int, log *logger.Logger) *Resolver {
	if open == "" {
		open = DefaultOpenDelimiter
	}
	if close == "" {
		close = DefaultCloseDelimiter
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	r := &Resolver{
		open:     open,
		close:    close,
		maxDepth: maxDepth,
		pattern: regexp.MustCompile(
			regexp.QuoteMeta(open) + `([a-zA-Z_][a-zA-Z0-9_]*):((?s).*?)` + regexp.QuoteMeta(close)),
		handlers: make(map[string]Handler),
		phases:   make(map[string]Phase),
		logger:   log.WithComponent("embeds"),
	}
	registerBuiltins(r)
	return r
}

// Register binds a handler for an embed type in one phase. Re-binding
// replaces the previous handler.
func (r *Resolver) Register(embedType string, phase Phase, h Handler) {
	r.handlers[embedType] = h
	r.phases[embedType] = phase
}

// ResolveEarly runs the producer-side pass. Late-phase embeds are left
// verbatim for the gateway.
func (r *Resolver) ResolveEarly(ctx context.Context, text string, rctx *RequestContext) (string, []Signal) {
	return r.resolve(ctx, text, rctx, PhaseEarly)
}

// ResolveLate runs the gateway-side pass.
func (r *Resolver) ResolveLate(ctx context.Context, text string, rctx *RequestContext) (string, []Signal) {
	return r.resolve(ctx, text, rctx, PhaseLate)
}

// SplitIncomplete splits text at the last opening delimiter that has no
// matching close, so a partial embed spanning stream chunks can be held
// back until its closing delimiter arrives. ready is safe to resolve
// and forward; held must be prepended to the next chunk.
func (r *Resolver) SplitIncomplete(text string) (ready, held string) {
	idx := strings.LastIndex(text, r.open)
	if idx < 0 || strings.Contains(text[idx:], r.close) {
		return text, ""
	}
	return text[:idx], text[idx:]
}

// IsContainer reports whether content should be recursively scanned:
// text-like MIME and at least one opening delimiter.
func (r *Resolver) IsContainer(mimeType, content string) bool {
	return isTextMime(mimeType) && strings.Contains(content, r.open)
}

func isTextMime(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch mimeType {
	case "application/json", "application/yaml", "application/x-yaml", "application/xml":
		return true
	}
	return false
}

func (r *Resolver) resolve(ctx context.Context, text string, rctx *RequestContext, phase Phase) (string, []Signal) {
	var signals []Signal
	current := text
	for depth := 0; depth < r.maxDepth; depth++ {
		next, passSignals, changed := r.resolveOnce(ctx, current, rctx, phase)
		signals = append(signals, passSignals...)
		current = next
		if !changed || !strings.Contains(current, r.open) {
			break
		}
	}
	return current, signals
}

// resolveOnce substitutes every resolvable embed exactly once, left to
// right. Unknown types and other-phase types stay verbatim; a handler
// error also leaves the original embed untouched.
func (r *Resolver) resolveOnce(ctx context.Context, text string, rctx *RequestContext, phase Phase) (string, []Signal, bool) {
	matches := r.pattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil, false
	}
	var (
		out     strings.Builder
		signals []Signal
		changed bool
		last    int
	)
	for _, m := range matches {
		start, end := m[0], m[1]
		embedType := text[m[2]:m[3]]
		expr := text[m[4]:m[5]]

		out.WriteString(text[last:start])
		last = end

		handler, ok := r.handlers[embedType]
		if !ok || r.phases[embedType] != phase {
			out.WriteString(text[start:end])
			continue
		}
		replacement, signal, err := handler(ctx, expr, rctx)
		if err != nil {
			r.logger.Warn("embed handler failed, keeping original",
				"type", embedType, "error", err)
			out.WriteString(text[start:end])
			continue
		}
		changed = true
		if signal != nil {
			signal.Index = len([]rune(out.String()))
			signals = append(signals, *signal)
		}
		out.WriteString(replacement)
	}
	out.WriteString(text[last:])
	return out.String(), signals, changed
}
