// Package logger defines the small structured logging surface used across
// the session engine, with a log/slog backed implementation.
package logger

import (
	"io"
	"log/slog"
)

// Logger is implemented by anything that can take leveled, structured log lines.
// args are alternating key/value pairs, as with log/slog.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Slog adapts a log/slog handler to Logger.
type Slog struct {
	logger *slog.Logger
}

var _ Logger = (*Slog)(nil)

func New(h slog.Handler) *Slog {
	return &Slog{logger: slog.New(h)}
}

func (l *Slog) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func (l *Slog) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *Slog) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *Slog) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// With returns a Slog that adds args to every line.
func (l *Slog) With(args ...any) *Slog {
	return &Slog{logger: l.logger.With(args...)}
}

// Nop returns a Logger that discards everything.
func Nop() *Slog {
	return New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
