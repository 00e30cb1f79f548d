// Package pionlog adapts log/slog to pion's logging.LoggerFactory, so
// pion/ice and pion/turn emit through the same structured logger as the
// rest of the tunnel core instead of pion's own default (stdlib log)
// logger.
package pionlog

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// Factory implements logging.LoggerFactory over a single *slog.Logger,
// tagging each pion-requested scope (e.g. "ice", "turn") as a "scope"
// attribute rather than creating one logger per scope.
type Factory struct {
	Base *slog.Logger
}

// NewFactory returns a Factory over base, or slog.Default() if base is nil.
func NewFactory(base *slog.Logger) *Factory {
	if base == nil {
		base = slog.Default()
	}
	return &Factory{Base: base}
}

func (f *Factory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: f.Base.With("component", "pion", "scope", scope)}
}

type leveledLogger struct {
	log *slog.Logger
}

func (l *leveledLogger) Trace(msg string)                          { l.log.Debug(msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{})  { l.log.Debug(sfmt(format, args...)) }
func (l *leveledLogger) Debug(msg string)                          { l.log.Debug(msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{})  { l.log.Debug(sfmt(format, args...)) }
func (l *leveledLogger) Info(msg string)                           { l.log.Info(msg) }
func (l *leveledLogger) Infof(format string, args ...interface{})  { l.log.Info(sfmt(format, args...)) }
func (l *leveledLogger) Warn(msg string)                           { l.log.Warn(msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{})  { l.log.Warn(sfmt(format, args...)) }
func (l *leveledLogger) Error(msg string)                          { l.log.Error(msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) { l.log.Error(sfmt(format, args...)) }

func sfmt(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
