// Package logging configures zerolog for metalflow and bridges it to the
// workflow logger and monitor event streams.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	merrors "github.com/davidroman0O/metalflow/errors"
)

// Output formats
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// New builds a logger writing to w at level in the given format
func New(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), merrors.Wrap(err, merrors.ErrConfiguration, "parse log level")
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	switch format {
	case "", FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	case FormatJSON:
	default:
		return zerolog.Nop(), merrors.Newf(merrors.ErrConfiguration, "unknown log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// Setup builds a stderr logger and installs it as the global logger used by
// the adapters.
func Setup(level, format string) (zerolog.Logger, error) {
	l, err := New(os.Stderr, level, format)
	if err != nil {
		return l, err
	}
	log.Logger = l
	return l, nil
}

// WorkflowLogger adapts a zerolog.Logger to workflow.Logger
type WorkflowLogger struct {
	l zerolog.Logger
}

// NewWorkflowLogger tags every entry with the workflow id
func NewWorkflowLogger(l zerolog.Logger, workflowID string) *WorkflowLogger {
	if workflowID != "" {
		l = l.With().Str("workflow", workflowID).Logger()
	}
	return &WorkflowLogger{l: l}
}

// Debug implements workflow.Logger
func (w *WorkflowLogger) Debug(format string, args ...interface{}) {
	w.l.Debug().Msgf(format, args...)
}

// Info implements workflow.Logger
func (w *WorkflowLogger) Info(format string, args ...interface{}) {
	w.l.Info().Msgf(format, args...)
}

// Warn implements workflow.Logger
func (w *WorkflowLogger) Warn(format string, args ...interface{}) {
	w.l.Warn().Msgf(format, args...)
}

// Error implements workflow.Logger
func (w *WorkflowLogger) Error(format string, args ...interface{}) {
	w.l.Error().Msgf(format, args...)
}
