// Package monitoring provides the shared diagnostic logger for the
// reconstruction engine. Soft anomalies (degenerate drift regression,
// unknown configuration, swap fixes) are reported here rather than raised
// as errors.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf
// but may be replaced by SetLogger. Tests or batch drivers can redirect or
// mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var debugEnabled atomic.Bool

// SetDebug enables or disables verbose per-packet diagnostics.
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

// Debugf logs only when debug diagnostics are enabled.
func Debugf(format string, v ...interface{}) {
	if debugEnabled.Load() {
		Logf(format, v...)
	}
}
