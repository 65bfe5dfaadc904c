package asmjit

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Logger receives a textual trace of what an emitter produces. The x86
// Assembler logs instructions, directives, and comments; the golangasm
// Assembler logs comments only; Builder and Compiler do not log. Attach one
// via CodeHolder.SetLogger.
type Logger interface {
	Log(msg string) error
	Logf(format string, args ...interface{}) error
}

// LoggerFunc adapts a function to the Logger interface.
type LoggerFunc func(msg string) error

// Log implements Logger.
func (f LoggerFunc) Log(msg string) error { return f(msg) }

// Logf implements Logger.
func (f LoggerFunc) Logf(format string, args ...interface{}) error {
	return f(fmt.Sprintf(format, args...))
}

// StringLogger accumulates log lines in memory.
type StringLogger struct {
	sb strings.Builder
}

// Log implements Logger.
func (s *StringLogger) Log(msg string) error {
	s.sb.WriteString(msg)
	if !strings.HasSuffix(msg, "\n") {
		s.sb.WriteByte('\n')
	}
	return nil
}

// Logf implements Logger.
func (s *StringLogger) Logf(format string, args ...interface{}) error {
	return s.Log(fmt.Sprintf(format, args...))
}

// String returns everything logged so far.
func (s *StringLogger) String() string { return s.sb.String() }

// ZapLogger forwards emitter traces to a zap logger at debug level.
type ZapLogger struct {
	z *zap.Logger
	s *zap.SugaredLogger
}

// NewZapLogger wraps z; a nil z uses zap.NewNop.
func NewZapLogger(z *zap.Logger) *ZapLogger {
	if z == nil {
		z = zap.NewNop()
	}
	return &ZapLogger{z: z, s: z.Sugar()}
}

// Log implements Logger.
func (l *ZapLogger) Log(msg string) error {
	l.z.Debug(strings.TrimSuffix(msg, "\n"))
	return nil
}

// Logf implements Logger.
func (l *ZapLogger) Logf(format string, args ...interface{}) error {
	l.s.Debugf(strings.TrimSuffix(format, "\n"), args...)
	return nil
}
