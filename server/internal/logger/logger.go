// Package logger builds the server's zap logger.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and output encoding.
type Config struct {
	Level  string // debug | info | warn | error
	Format string // json | console
}

// New creates a zap logger writing to stdout.
func New(cfg Config) *zap.Logger {
	return zap.New(NewCore(cfg, zapcore.AddSync(os.Stdout)), zap.AddCaller())
}

// NewCore builds the encoder core over an arbitrary sink.
func NewCore(cfg Config, out zapcore.WriteSyncer) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}
	return zapcore.NewCore(encoder, out, ParseLevel(cfg.Level))
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
