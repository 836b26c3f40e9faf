package logbuf

import (
	"context"
	"log/slog"
	"maps"
)

// Handler tees records into a Buffer before passing them to an inner
// handler. The buffer sees every level; the inner handler keeps its own
// level filter. A "pipeline" attribute, bound with With or passed per
// record, becomes Entry.Pipeline instead of an ordinary attribute.
type Handler struct {
	inner    slog.Handler
	buf      *Buffer
	prefix   string         // open groups, "a.b."
	bound    map[string]any // resolved With attributes
	pipeline string
}

// NewHandler creates a handler that writes to both buf and inner.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Time:     r.Time,
		Level:    r.Level.String(),
		Message:  r.Message,
		Pipeline: h.pipeline,
	}
	attrs := maps.Clone(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		if id, ok := pipelineAttr(h.prefix, a); ok {
			e.Pipeline = id
			return true
		}
		if attrs == nil {
			attrs = make(map[string]any)
		}
		flatten(attrs, h.prefix, a)
		return true
	})
	if len(attrs) > 0 {
		e.Attrs = attrs
	}
	h.buf.add(record{Entry: e, level: r.Level})

	if !h.inner.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	next.bound = maps.Clone(h.bound)
	for _, a := range attrs {
		if id, ok := pipelineAttr(h.prefix, a); ok {
			next.pipeline = id
			continue
		}
		if next.bound == nil {
			next.bound = make(map[string]any)
		}
		flatten(next.bound, h.prefix, a)
	}
	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.inner = h.inner.WithGroup(name)
	next.prefix = h.prefix + name + "."
	return &next
}

// pipelineAttr reports whether a is an ungrouped pipeline id.
func pipelineAttr(prefix string, a slog.Attr) (string, bool) {
	if prefix != "" || a.Key != PipelineKey {
		return "", false
	}
	id, ok := a.Value.Resolve().Any().(string)
	return id, ok
}

// flatten stores a under its dotted key, expanding groups. Errors become
// their message so they survive JSON encoding.
func flatten(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, g := range v.Group() {
			flatten(dst, p, g)
		}
		return
	}
	if a.Key == "" {
		return
	}
	raw := v.Any()
	if err, ok := raw.(error); ok {
		raw = err.Error()
	}
	dst[prefix+a.Key] = raw
}
