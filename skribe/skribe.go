// Package skribe defines orchestrator-wide logging conventions: a
// context-scoped slog.Attr carrier (so every log line inside a task's
// call graph picks up task_id/message_id without threading it through
// every function signature) and redaction of secret-shaped env entries.
//
// Logging happens via slog.
package skribe

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
)

type attrsKey struct{}

// secretEnvPrefixes lists the env var name prefixes whose value must never
// reach a log line verbatim: LLM provider keys, git host tokens, sidecar
// auth material.
var secretEnvPrefixes = []string{
	"LLM_API_KEY=",
	"ANTHROPIC_API_KEY=",
	"OPENAI_API_KEY=",
	"GIT_TOKEN=",
	"GITHUB_TOKEN=",
	"SIDECAR_AUTH_TOKEN=",
}

// Redact replaces the value half of any KEY=VALUE entry in arr whose key
// matches a known secret prefix, for safe inclusion in executeCommand logs.
func Redact(arr []string) []string {
	ret := make([]string, 0, len(arr))
	for _, s := range arr {
		redacted := s
		for _, prefix := range secretEnvPrefixes {
			if strings.HasPrefix(s, prefix) {
				redacted = prefix + "[REDACTED]"
				break
			}
		}
		ret = append(ret, redacted)
	}
	return ret
}

// ContextWithAttr returns a context that carries add in addition to any
// attrs already attached to ctx, so nested calls accumulate (e.g. a
// taskID at the top, a messageID further down).
func ContextWithAttr(ctx context.Context, add ...slog.Attr) context.Context {
	attrs := slices.Clone(Attrs(ctx))
	attrs = append(attrs, add...)
	return context.WithValue(ctx, attrsKey{}, attrs)
}

// Attrs returns the slog.Attr slice accumulated on ctx, if any.
func Attrs(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	return attrs
}

// WithTask is shorthand for the attr every orchestrator log line carries.
func WithTask(ctx context.Context, taskID string) context.Context {
	return ContextWithAttr(ctx, slog.String("task_id", taskID))
}

// WithMessage adds a message_id attr on top of whatever ctx already has.
func WithMessage(ctx context.Context, messageID string) context.Context {
	return ContextWithAttr(ctx, slog.String("message_id", messageID))
}

// AttrsWrap wraps h so that Handle augments every record with the attrs
// accumulated on its context.
func AttrsWrap(h slog.Handler) slog.Handler {
	return &augmentHandler{Handler: h}
}

type augmentHandler struct {
	slog.Handler
}

func (h *augmentHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(Attrs(ctx)...)
	return h.Handler.Handle(ctx, r)
}

// NewJSONLogger builds a *slog.Logger writing JSON records to w, with
// context attrs automatically attached.
func NewJSONLogger(w io.Writer, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(AttrsWrap(h))
}
