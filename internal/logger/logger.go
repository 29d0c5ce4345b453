// Package logger builds the process zap logger.
package logger

import (
	"strings"

	"go.uber.org/zap"
)

// New returns a development logger for local/dev environments and a
// production JSON logger otherwise.
func New(env string) (*zap.Logger, error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "local", "dev", "development":
		return zap.NewDevelopment()
	case "test":
		return zap.NewNop(), nil
	default:
		return zap.NewProduction()
	}
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
