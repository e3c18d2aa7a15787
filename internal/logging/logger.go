// Package logging wraps log/slog for the CLI and keeps the audit trail
// of remote actions. Console output is one syslog-like line per record;
// --json flips the run report, not the logs, so automation that wants
// structured logs opts in through Config.JSON.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"grimm.is/rampart/internal/clock"
)

// Level aliases slog.Level so callers configure severity without
// importing slog themselves.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError

	// LevelAudit sits above Error so audit records survive any sane
	// verbosity setting. Every state-changing action on a target emits
	// exactly one of these.
	LevelAudit Level = slog.LevelError + 4
)

// Config selects the output and format for a Logger.
type Config struct {
	Level      Level
	Output     io.Writer
	JSON       bool
	AddSource  bool
	TimeFormat string
}

// DefaultConfig logs human-readable lines at Info to stderr, keeping
// stdout clean for reports and diffs.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

// Logger is a slog.Logger plus the level knob and the audit channel.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	output io.Writer
}

// New builds a Logger from cfg. A nil Output falls back to stderr.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var h slog.Handler
	if cfg.JSON {
		// slog renders custom levels as "ERROR+4"; name ours.
		opts.ReplaceAttr = func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lv, ok := a.Value.Any().(slog.Level); ok && lv >= LevelAudit {
					a.Value = slog.StringValue("AUDIT")
				}
			}
			return a
		}
		h = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		h = NewConsoleHandler(cfg.Output, opts)
	}
	return &Logger{Logger: slog.New(h), level: level, output: cfg.Output}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the process-wide logger, building it on first use.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(DefaultConfig())
	})
	return defaultLogger
}

// SetDefault replaces the process-wide logger. Call it before any
// goroutine starts logging.
func SetDefault(l *Logger) {
	once.Do(func() {})
	defaultLogger = l
}

// SetLevel changes the threshold on this logger and everything derived
// from it.
func (l *Logger) SetLevel(level Level) { l.level.Set(level) }

// GetLevel reports the current threshold.
func (l *Logger) GetLevel() Level { return l.level.Level() }

// derive shares the level var and output, so SetLevel on the root
// reaches component loggers too.
func (l *Logger) derive(s *slog.Logger) *Logger {
	return &Logger{Logger: s, level: l.level, output: l.output}
}

// WithComponent tags every record with the subsystem name. The console
// handler renders it as a message prefix rather than a k=v pair.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive(l.Logger.With("component", name))
}

// WithFields pre-binds a set of attributes.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.derive(l.Logger.With(args...))
}

// Audit records a state-changing action against a target resource. It
// logs at LevelAudit, which no verbosity setting filters out, and
// stamps the record itself so the trail stays meaningful even when a
// collector rewrites slog timestamps.
func (l *Logger) Audit(action, resource string, details map[string]any) {
	args := []any{
		"action", action,
		"resource", resource,
		"at", clock.Stamp(clock.Now()),
	}
	for k, v := range details {
		args = append(args, k, v)
	}
	l.Log(context.Background(), LevelAudit, "audit", args...)
}

// Package-level helpers on the default logger.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) {
	Default().Error(fmt.Sprintf(format, args...))
}

// Audit records a state-changing action through the default logger.
func Audit(action, resource string, details map[string]any) {
	Default().Audit(action, resource, details)
}

// WithComponent returns a subsystem logger off the default.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}
