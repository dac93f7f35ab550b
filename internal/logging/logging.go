// Package logging builds the process-wide structured logger.
package logging

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// New builds a charmbracelet/log logger writing to stderr, matching the
// options this codebase's CLI harnesses have always used: caller
// reporting on, timestamps on (time.Kitchen format), level configurable.
func New(levelStr string) *log.Logger {
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		level = log.InfoLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		Level:           level,
		TimeFormat:      time.Kitchen,
	})
}

// Component returns a child logger tagged with the owning component, so
// every line in a multi-stage pipeline is attributable to one of the
// seven core components.
func Component(base *log.Logger, name string) *log.Logger {
	return base.With("component", name)
}
