package server

import (
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"
)

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	log *slog.Logger
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.log.Error(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.log.Warn(fmt.Sprintf(format, args...))
}

// Badger is chatty at info level; its progress lines go to debug.
func (b *badgerLogger) Infof(format string, args ...interface{}) {
	b.log.Debug(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Debugf(format string, args ...interface{}) {
	b.log.Debug(fmt.Sprintf(format, args...))
}

func newBadgerLogger(logger *slog.Logger) badger.Logger {
	return &badgerLogger{log: logger}
}
