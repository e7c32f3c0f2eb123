package logger

import (
	"reflect"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const maxCallerDepth = 32

// callerHook reports the first frame outside logrus and the logging helper
// packages, so a line emitted through metrics.EmitMetric points at whoever
// emitted the metric. Test files are never skipped.
type callerHook struct {
	skip []string
}

func newCallerHook() *callerHook {
	pkg := packageOf(reflect.ValueOf(Logger).Pointer())
	module := strings.TrimSuffix(pkg, "/logger")
	return &callerHook{skip: []string{
		"github.com/sirupsen/logrus.",
		pkg + ".",
		module + "/internal/metrics.",
	}}
}

// packageOf returns the import path of the function at pc.
func packageOf(pc uintptr) string {
	name := runtime.FuncForPC(pc).Name()
	slash := strings.LastIndex(name, "/")
	if dot := strings.Index(name[slash+1:], "."); dot >= 0 {
		return name[:slash+1+dot]
	}
	return name
}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	if entry.Logger == nil || !entry.Logger.ReportCaller {
		return nil
	}
	pcs := make([]uintptr, maxCallerDepth)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !h.skipped(frame) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func (h *callerHook) skipped(f runtime.Frame) bool {
	if strings.HasSuffix(f.File, "_test.go") {
		return false
	}
	for _, prefix := range h.skip {
		if strings.HasPrefix(f.Function, prefix) {
			return true
		}
	}
	return false
}
