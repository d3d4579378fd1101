// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package logger builds the structured loggers passed to every stage.
package logger

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"

	"github.com/pdiddy/rct-designspec/pkg/types"
)

// New returns a logger writing to w. An unknown level falls back to info.
func New(w io.Writer, cfg types.LogConfig) *charmlog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := charmlog.ParseLevel(cfg.Level)
	if err != nil {
		level = charmlog.InfoLevel
	}
	l := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Level:           level,
	})
	if cfg.JSON {
		l.SetFormatter(charmlog.JSONFormatter)
	} else {
		l.SetFormatter(charmlog.TextFormatter)
	}
	return l
}

// Discard returns a logger that drops everything. Tests and library callers
// that pass no logger use it.
func Discard() *charmlog.Logger {
	return charmlog.NewWithOptions(io.Discard, charmlog.Options{Level: charmlog.FatalLevel})
}
