package webrtc

import (
	"github.com/pion/logging"

	"github.com/1ureka/trickle/internal/util"
)

// NewLoggerFactory returns a pion LoggerFactory that writes through the
// pterm logger. pion's info output is internal detail and is demoted to
// debug; trace output is dropped.
func NewLoggerFactory() logging.LoggerFactory {
	return loggerFactory{}
}

type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: util.Scoped("pion/" + scope)}
}

type leveledLogger struct {
	log util.Logger
}

func (l *leveledLogger) Trace(string)                  {}
func (l *leveledLogger) Tracef(string, ...interface{}) {}

func (l *leveledLogger) Debug(msg string)                          { l.log.Debug("%s", msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) { l.log.Debug(format, args...) }
func (l *leveledLogger) Info(msg string)                           { l.log.Debug("%s", msg) }
func (l *leveledLogger) Infof(format string, args ...interface{})  { l.log.Debug(format, args...) }
func (l *leveledLogger) Warn(msg string)                           { l.log.Warn("%s", msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{})  { l.log.Warn(format, args...) }
func (l *leveledLogger) Error(msg string)                          { l.log.Error("%s", msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) { l.log.Error(format, args...) }
