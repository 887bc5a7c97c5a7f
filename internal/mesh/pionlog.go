package mesh

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// NewLoggerFactory routes pion's scoped loggers into log. pion's trace level
// maps to debug.
func NewLoggerFactory(log *zap.Logger) logging.LoggerFactory {
	if log == nil {
		log = zap.NewNop()
	}
	return zapLoggerFactory{log: log.Named("pion")}
}

type zapLoggerFactory struct {
	log *zap.Logger
}

func (f zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return zapLeveledLogger{s: f.log.Named(scope).Sugar()}
}

type zapLeveledLogger struct {
	s *zap.SugaredLogger
}

func (l zapLeveledLogger) Trace(msg string)                          { l.s.Debug(msg) }
func (l zapLeveledLogger) Tracef(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l zapLeveledLogger) Debug(msg string)                          { l.s.Debug(msg) }
func (l zapLeveledLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l zapLeveledLogger) Info(msg string)                           { l.s.Info(msg) }
func (l zapLeveledLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l zapLeveledLogger) Warn(msg string)                           { l.s.Warn(msg) }
func (l zapLeveledLogger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l zapLeveledLogger) Error(msg string)                          { l.s.Error(msg) }
func (l zapLeveledLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
