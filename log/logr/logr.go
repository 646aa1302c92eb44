// Package logr adapts a logr.Logger (controller-runtime, klog, funcr) to
// blobcache.Logger.
//
// logr has no warn level: Warn is logged at V(0) with warning=true, Debug at
// V(1).
package logr

import (
	"errors"
	"sort"

	"github.com/go-logr/logr"
	"github.com/unkn0wn-root/blobcache"
)

var _ blobcache.Logger = Logger{}

type Logger struct{ L logr.Logger }

func New(l logr.Logger) Logger { return Logger{L: l.WithName("blobcache")} }

func (a Logger) Debug(msg string, f blobcache.Fields) { a.L.V(1).Info(msg, kv(f)...) }
func (a Logger) Info(msg string, f blobcache.Fields)  { a.L.Info(msg, kv(f)...) }
func (a Logger) Warn(msg string, f blobcache.Fields) {
	a.L.Info(msg, append(kv(f), "warning", true)...)
}

// Error pulls an "err" field out as the logr error argument.
func (a Logger) Error(msg string, f blobcache.Fields) {
	err, _ := f["err"].(error)
	if err == nil {
		err = errors.New(msg)
	}
	rest := make(blobcache.Fields, len(f))
	for k, v := range f {
		if k != "err" {
			rest[k] = v
		}
	}
	a.L.Error(err, msg, kv(rest)...)
}

func kv(f blobcache.Fields) []any {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, 2*len(f))
	for _, k := range keys {
		out = append(out, k, f[k])
	}
	return out
}
