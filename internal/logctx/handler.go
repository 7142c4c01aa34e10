// Package logctx enriches slog records with the two correlation IDs this
// engine's concurrency model needs: which Job and which Target a log line
// belongs to. Adapted from the teacher's internal/log.ContextHandler,
// which enriched records with a single HTTP request_id.
package logctx

import (
	"context"
	"log/slog"
)

type jobIDKey struct{}
type targetKey struct{}

// WithJobID returns a copy of ctx carrying jobID for later log enrichment.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// WithTarget returns a copy of ctx carrying target for later log
// enrichment.
func WithTarget(ctx context.Context, target string) context.Context {
	return context.WithValue(ctx, targetKey{}, target)
}

func jobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

func targetFromContext(ctx context.Context) string {
	t, _ := ctx.Value(targetKey{}).(string)
	return t
}

// ContextHandler wraps an slog.Handler and adds job_id/target attributes
// pulled from the record's context, when present.
type ContextHandler struct {
	inner slog.Handler
}

func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := jobIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String("job_id", id))
	}
	if t := targetFromContext(ctx); t != "" {
		r.AddAttrs(slog.String("target", t))
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
