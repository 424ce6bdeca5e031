// Package logger provides the leveled logging facade used by every task in
// the engine. Call sites expect a Logger obtained from New(name); name
// identifies the component producing the log line (e.g. "engine",
// "fetch", "cmd/serve").
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the leveled logging interface every engine component logs
// through.
type Logger interface {
	Debug(args ...interface{})
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warning(args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
}

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the verbosity of every logger obtained from New.
func SetLevel(level string) error {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	std.SetLevel(l)
	return nil
}

type entryLogger struct {
	e *logrus.Entry
}

// New returns a Logger tagged with name, used as the "component" field on
// every line it emits.
func New(name string) Logger {
	return &entryLogger{e: std.WithField("component", name)}
}

func (l *entryLogger) Debug(args ...interface{})                 { l.e.Debug(args...) }
func (l *entryLogger) Debugln(args ...interface{})                { l.e.Debugln(args...) }
func (l *entryLogger) Debugf(format string, args ...interface{})  { l.e.Debugf(format, args...) }
func (l *entryLogger) Info(args ...interface{})                   { l.e.Info(args...) }
func (l *entryLogger) Infoln(args ...interface{})                 { l.e.Infoln(args...) }
func (l *entryLogger) Infof(format string, args ...interface{})   { l.e.Infof(format, args...) }
func (l *entryLogger) Warning(args ...interface{})                { l.e.Warning(args...) }
func (l *entryLogger) Warningln(args ...interface{})              { l.e.Warnln(args...) }
func (l *entryLogger) Warningf(format string, args ...interface{}) { l.e.Warnf(format, args...) }
func (l *entryLogger) Error(args ...interface{})                  { l.e.Error(args...) }
func (l *entryLogger) Errorln(args ...interface{})                { l.e.Errorln(args...) }
func (l *entryLogger) Errorf(format string, args ...interface{})  { l.e.Errorf(format, args...) }
