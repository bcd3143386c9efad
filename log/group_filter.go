package log

import (
	"context"
	"log/slog"
	"strings"
)

// GroupFilterHandler passes through only records emitted under one of the
// allowed slog groups. Components name themselves with WithGroup, so this
// gives a cheap per-component log switch.
type GroupFilterHandler struct {
	next    slog.Handler
	allowed map[string]struct{}
	groups  []string
}

// NewGroupFilterHandler wraps next. With no allowed groups the handler is
// returned unchanged.
func NewGroupFilterHandler(next slog.Handler, allowedGroups []string) slog.Handler {
	if next == nil || len(allowedGroups) == 0 {
		return next
	}
	allowed := make(map[string]struct{}, len(allowedGroups))
	for _, g := range allowedGroups {
		if trimmed := strings.ToLower(strings.TrimSpace(g)); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return next
	}
	return &GroupFilterHandler{next: next, allowed: allowed}
}

func (h *GroupFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h != nil && h.next != nil && h.next.Enabled(ctx, level)
}

func (h *GroupFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, g := range h.groups {
		if _, ok := h.allowed[g]; ok {
			return h.next.Handle(ctx, record)
		}
	}
	return nil
}

func (h *GroupFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &GroupFilterHandler{
		next:    h.next.WithAttrs(attrs),
		allowed: h.allowed,
		groups:  append([]string{}, h.groups...),
	}
}

func (h *GroupFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &GroupFilterHandler{
		next:    h.next.WithGroup(name),
		allowed: h.allowed,
		groups:  append(append([]string{}, h.groups...), strings.ToLower(name)),
	}
}
