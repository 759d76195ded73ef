// Package klog is the kernel's console logger: a thin wrapper over
// the standard log package, with verbose tracing gated by a debug
// toggle instead of per-call log levels.
package klog

import (
	"fmt"
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

// Debug gates verbose subsystem tracing.
var Debug = false

// Debugf prints a debug line only when Debug is enabled.
func Debugf(format string, args ...interface{}) {
	if Debug {
		std.Output(2, fmt.Sprintf(format, args...))
	}
}

// Warnf prints a warning line unconditionally.
func Warnf(format string, args ...interface{}) {
	std.Output(2, "WARNING: "+fmt.Sprintf(format, args...))
}

// Fatalf logs and panics -- the kernel has no recovery path for
// conditions severe enough to log at this level (out-of-memory,
// corrupt on-disk state, and the like).
func Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	std.Output(2, "FATAL: "+msg)
	panic(msg)
}
