// Package zerolog adapts a zerolog.Logger to logger.Logger.
package zerolog

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/flowthings/flowthings.go/pkg/logger"
)

type Logger struct {
	zl zerolog.Logger
}

var _ logger.Logger = (*Logger)(nil)

func New(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

func (l *Logger) Error(msg string, args ...any) {
	withFields(l.zl.Error(), args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	withFields(l.zl.Warn(), args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	withFields(l.zl.Info(), args).Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any) {
	withFields(l.zl.Debug(), args).Msg(msg)
}

// withFields maps slog-style alternating key/value args onto zerolog fields.
// A trailing key without a value is logged under "!BADKEY", as slog does.
func withFields(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			e = e.Interface("!BADKEY", args[i])
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if err, ok := args[i+1].(error); ok {
			e = e.AnErr(key, err)
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	return e
}
