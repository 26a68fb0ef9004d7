// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hookenv

import (
	"fmt"

	"github.com/juju/loggo"
)

// LogWriterName is the name the juju-log writer is registered under.
const LogWriterName = "juju-log"

type logWriter struct {
	ctx Context
}

// NewLogWriter returns a loggo.Writer sending every record to juju-log,
// so charm logs land in the unit's debug-log.
func NewLogWriter(ctx Context) loggo.Writer {
	return &logWriter{ctx: ctx}
}

// Write implements loggo.Writer. Failures are dropped: logging them
// would recurse into the same writer.
func (w *logWriter) Write(entry loggo.Entry) {
	_ = w.ctx.Log(entry.Level, fmt.Sprintf("%s: %s", entry.Module, entry.Message))
}

// RegisterLogWriter replaces loggo's default writer with a juju-log writer.
func RegisterLogWriter(ctx Context) error {
	_, _ = loggo.RemoveWriter(loggo.DefaultWriterName)
	return loggo.RegisterWriter(LogWriterName, NewLogWriter(ctx))
}
