// Package logging provides the package-level colored logger used
// throughout the transport, adapted from the teacher's pkg/logger to
// be backed by a real structured logging library instead of a
// hand-rolled fmt.Sprintf wrapper.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log levels, kept for callers that used to depend on the teacher's
// numeric level ordering.
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

var defaultLogger = newLogger(LevelInfo)

func newLogger(level int) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(zapcore.AddSync(os.Stdout)),
		zapLevelFor(level),
	)
	return zap.New(core).Sugar()
}

func zapLevelFor(level int) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel sets the minimum log level of the package-level logger.
func SetLevel(level int) { defaultLogger = newLogger(level) }

// Debug logs a debug message.
func Debug(format string, args ...interface{}) { defaultLogger.Debugf(format, args...) }

// Info logs an informational message.
func Info(format string, args ...interface{}) { defaultLogger.Infof(format, args...) }

// Warn logs a warning message.
func Warn(format string, args ...interface{}) { defaultLogger.Warnf(format, args...) }

// Error logs an error message.
func Error(format string, args ...interface{}) { defaultLogger.Errorf(format, args...) }

// Fatal logs a fatal message and exits the process.
func Fatal(format string, args ...interface{}) { defaultLogger.Fatalf(format, args...) }

// Success logs a success message at info level with a distinct
// prefix, matching the teacher's Success helper.
func Success(format string, args ...interface{}) {
	defaultLogger.Infof("✓ "+format, args...)
}

// Sync flushes any buffered log entries; call before process exit.
func Sync() error { return defaultLogger.Sync() }

// Section prints a section header, grounded on the teacher's
// pkg/logger.Section.
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n╔%s╗\n", border)
	fmt.Printf("║ %-57s ║\n", title)
	fmt.Printf("╚%s╝\n\n", border)
}

// Banner prints the startup banner, grounded on the teacher's
// pkg/logger.Banner.
func Banner(title, version string) {
	fmt.Printf(`
╔═══════════════════════════════════════════════════════════╗
║                                                             ║
║   %-57s ║
║   version %-49s ║
║                                                             ║
╚═══════════════════════════════════════════════════════════╝
`, title, version)
}
