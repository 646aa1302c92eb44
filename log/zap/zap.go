// Package zap adapts a *zap.Logger to blobcache.Logger.
package zap

import (
	"sort"

	"github.com/unkn0wn-root/blobcache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ blobcache.Logger = Logger{}

// Logger forwards blobcache logs to L. A nil L drops everything.
type Logger struct{ L *zap.Logger }

func New(l *zap.Logger) Logger { return Logger{L: l.Named("blobcache")} }

func (z Logger) Debug(msg string, f blobcache.Fields) { z.log(zap.DebugLevel, msg, f) }
func (z Logger) Info(msg string, f blobcache.Fields)  { z.log(zap.InfoLevel, msg, f) }
func (z Logger) Warn(msg string, f blobcache.Fields)  { z.log(zap.WarnLevel, msg, f) }
func (z Logger) Error(msg string, f blobcache.Fields) { z.log(zap.ErrorLevel, msg, f) }

func (z Logger) log(lvl zapcore.Level, msg string, f blobcache.Fields) {
	if z.L == nil {
		return
	}
	if ce := z.L.Check(lvl, msg); ce != nil {
		ce.Write(fields(f)...)
	}
}

// fields emits in key order; an "err" error becomes zap.Error.
func fields(f blobcache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok && k == "err" {
			out = append(out, zap.Error(err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
