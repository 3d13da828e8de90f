package store

import (
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"
)

// badgerLogger satisfies badger.Logger, forwarding the engine's printf-style
// messages to the embedded slog handler at the matching level.
type badgerLogger struct {
	*slog.Logger
}

func newBadgerLogger(l *slog.Logger) badger.Logger {
	return badgerLogger{l}
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.Error(fmt.Sprintf(format, args...)) }
func (l badgerLogger) Warningf(format string, args ...any) { l.Warn(fmt.Sprintf(format, args...)) }
func (l badgerLogger) Infof(format string, args ...any)    { l.Info(fmt.Sprintf(format, args...)) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.Debug(fmt.Sprintf(format, args...)) }
