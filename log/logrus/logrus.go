// Package logrus adapts a logrus entry to blobcache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/blobcache"
)

var _ blobcache.Logger = Logger{}

// Logger forwards to E. A nil E drops everything.
type Logger struct{ E *logrus.Entry }

// New tags every record with component=blobcache.
func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "blobcache")}
}

func (l Logger) Debug(msg string, f blobcache.Fields) { l.log(logrus.DebugLevel, msg, f) }
func (l Logger) Info(msg string, f blobcache.Fields)  { l.log(logrus.InfoLevel, msg, f) }
func (l Logger) Warn(msg string, f blobcache.Fields)  { l.log(logrus.WarnLevel, msg, f) }
func (l Logger) Error(msg string, f blobcache.Fields) { l.log(logrus.ErrorLevel, msg, f) }

func (l Logger) log(lvl logrus.Level, msg string, f blobcache.Fields) {
	if l.E == nil || !l.E.Logger.IsLevelEnabled(lvl) {
		return
	}
	e := l.E
	if len(f) > 0 {
		fs := make(logrus.Fields, len(f))
		for k, v := range f {
			if k == "err" {
				k = logrus.ErrorKey
			}
			fs[k] = v
		}
		e = e.WithFields(fs)
	}
	e.Log(lvl, msg)
}
