package vm

import "github.com/sirupsen/logrus"

// Log is the package-level logger used for hardened-mode diagnostics and
// debugger breakpoint notifications. Callers embedding this package in a
// larger application may replace it (e.g. with a logger bound to a request
// or session ID) before calling into the interpreter.
var Log = logrus.StandardLogger().WithField("component", "vm")
