package logger

import (
	"fmt"
	"log/slog"
	"os"
)

// Fatal logs msg at error level to the default logger and exits. The
// proxy itself never calls it: Init reports a bind/listener setup failure
// as a returned ConfigError.
func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

// Fatalf is Fatal with printf-style formatting.
func Fatalf(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// FatalWithLogger is Fatal against a specific logger instance.
func FatalWithLogger(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}
