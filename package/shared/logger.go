package shared

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"
)

// NewLogger builds the root logger. Components derive their own with WithPrefix.
func NewLogger(w io.Writer, level, format string, timestamps bool) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: timestamps,
		TimeFormat:      "15:04:05.000",
	})
	switch format {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	case "", "text":
		logger.SetFormatter(log.TextFormatter)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}

// Discard is a logger for tests and tools that want silence.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
