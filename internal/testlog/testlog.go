// Package testlog routes session logs into the test log.
//
// Lines are numbered and carry no timestamp, so the output of a failing
// test reads the same on every run.
package testlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/flowthings/flowthings.go/pkg/logger"
)

// Handler is a slog.Handler writing "[index] LEVEL: message k=v, ..." lines
// through testing.TB.Logf.
type Handler struct {
	tb     testing.TB
	state  *state
	attrs  []slog.Attr
	groups []string
	level  slog.Level
}

type state struct {
	mu    sync.Mutex
	index int
	done  bool
}

type Option func(h *Handler)

// WithLevel drops records below level. The default is slog.LevelDebug.
func WithLevel(level slog.Level) Option {
	return func(h *Handler) {
		h.level = level
	}
}

func NewHandler(tb testing.TB, opts ...Option) *Handler {
	h := &Handler{tb: tb, state: &state{}, level: slog.LevelDebug}
	for _, opt := range opts {
		opt(h)
	}
	tb.Cleanup(func() {
		h.state.mu.Lock()
		h.state.done = true
		h.state.mu.Unlock()
	})
	return h
}

// New returns a logger.Logger backed by a Handler.
func New(tb testing.TB, opts ...Option) logger.Logger {
	return logger.New(NewHandler(tb, opts...))
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

//nolint:gocritic
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	parts := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		parts = append(parts, format(a, ""))
	}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, format(a, prefix))
		return true
	})

	line := fmt.Sprintf("%s: %s", r.Level, r.Message)
	if len(parts) > 0 {
		line += " " + strings.Join(parts, ", ")
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	// Logging after the test finished panics.
	if h.state.done {
		return nil
	}
	h.tb.Logf("[%d] %s", h.state.index, line)
	h.state.index++
	return nil
}

func format(a slog.Attr, prefix string) string {
	if a.Value.Kind() == slog.KindGroup {
		parts := make([]string, 0, len(a.Value.Group()))
		for _, ga := range a.Value.Group() {
			parts = append(parts, format(ga, prefix+a.Key+"."))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".")
	}

	next := *h
	next.attrs = h.attrs[:len(h.attrs):len(h.attrs)]
	for _, a := range attrs {
		if prefix != "" {
			a = slog.Group(prefix, a)
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(h.groups[:len(h.groups):len(h.groups)], name)
	return &next
}
