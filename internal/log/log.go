// Package log wraps gopkg.in/op/go-logging.v1: a single Backend
// constructed at startup hands out named *logging.Logger instances to
// every component, so log lines carry a per-module prefix without each
// component touching the logging package's global state directly.
package log

import (
	"io"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

const defaultFormat = `%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`

// Backend owns the process-wide logging.Backend and hands out
// per-component loggers.
type Backend struct {
	backend logging.LeveledBackend
	writer  io.Writer
}

// New constructs a Backend writing to w at the given level ("DEBUG",
// "INFO", "NOTICE", "WARNING", "ERROR", "CRITICAL"). An empty level
// defaults to "NOTICE".
func New(w io.Writer, level string) (*Backend, error) {
	if level == "" {
		level = "NOTICE"
	}
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	raw := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(raw, logging.MustStringFormatter(defaultFormat))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	return &Backend{backend: leveled, writer: w}, nil
}

// GetLogger returns a logger scoped to module, sharing this Backend's
// level and output.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}
