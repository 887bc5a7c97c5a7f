// Package logging builds the zap loggers used by both binaries.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production logger for ENVIRONMENT=production and a
// development logger otherwise.
func New(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg.Build()
}

// Fail logs msg at error level, flushes the logger and returns the process
// exit code. Unlike Fatal it lets the caller exit after buffered entries are
// written.
func Fail(log *zap.Logger, msg string, fields ...zap.Field) int {
	log.Error(msg, fields...)
	_ = log.Sync()
	return 1
}
