package workflow

// Logger is the printf-style logger steps and the executor write to
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

// NewNopLogger returns a Logger that drops every entry. It is the default
// for executors and step contexts.
func NewNopLogger() Logger {
	return NopLogger{}
}
