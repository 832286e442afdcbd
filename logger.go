package tchannel

import (
	logging "github.com/op/go-logging"
)

// Logger is the sink every Channel/Connection logs through; it is injected
// at construction rather than read from a process-wide singleton. The
// narrow interface keeps go-logging out of callers' import graphs while
// NewLogger below adapts the real thing.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// goLoggingLogger adapts *logging.Logger to the Logger interface.
type goLoggingLogger struct {
	log *logging.Logger
}

// NewLogger wraps an op/go-logging Logger (constructed the normal way via
// logging.MustGetLogger / logging.SetBackend by the caller) as a Logger.
func NewLogger(log *logging.Logger) Logger {
	return &goLoggingLogger{log: log}
}

func (l *goLoggingLogger) Debugf(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *goLoggingLogger) Infof(format string, args ...interface{})  { l.log.Infof(format, args...) }
func (l *goLoggingLogger) Warnf(format string, args ...interface{})  { l.log.Warningf(format, args...) }
func (l *goLoggingLogger) Errorf(format string, args ...interface{}) { l.log.Errorf(format, args...) }

// NullLogger discards everything.
type NullLogger struct{}

func (NullLogger) Debugf(format string, args ...interface{}) {}
func (NullLogger) Infof(format string, args ...interface{})  {}
func (NullLogger) Warnf(format string, args ...interface{})  {}
func (NullLogger) Errorf(format string, args ...interface{}) {}

// defaultLogger is used when a Channel/Connection is constructed with a nil
// Logger.
var defaultLogger Logger = NullLogger{}
