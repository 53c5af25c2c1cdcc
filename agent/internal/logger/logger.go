// Package logger provides structured logging for the agent.
package logger

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/renderfleet/renderfleet/agent/internal/config"
	"github.com/renderfleet/renderfleet/workerapi"
)

// Logger is the agent's sugared zap logger plus helpers for the lease
// lifecycle lines operators grep for.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
}

// New builds a logger writing to cfg.File, or stdout when File is empty.
// Unknown levels fall back to info.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stdout)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		sink = zapcore.AddSync(f)
	}

	return FromZap(zap.New(zapcore.NewCore(enc, sink, level))), nil
}

// FromZap wraps an existing zap logger.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{zap: z, sugar: z.Sugar()}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return FromZap(zap.NewNop())
}

// With returns a child logger that adds keysAndValues to every line.
func (l *Logger) With(keysAndValues ...any) *Logger {
	sugar := l.sugar.With(keysAndValues...)
	return &Logger{zap: sugar.Desugar(), sugar: sugar}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// LogLeased logs a lease offer the agent accepted.
func (l *Logger) LogLeased(offer *workerapi.LeaseOffer) {
	l.sugar.Infow("leased",
		"dispatch_id", offer.DispatchID,
		"tenant_id", offer.TenantID,
		"tenant_job_id", offer.TenantJobID,
		"stage", offer.Stage,
		"attempt", offer.Attempt,
		"expires_at", offer.LeaseExpiresAt,
	)
}

// LogFinished logs the terminal outcome of a lease.
func (l *Logger) LogFinished(dispatchID, outcome string, duration time.Duration) {
	l.sugar.Infow("finished",
		"dispatch_id", dispatchID,
		"outcome", outcome,
		"duration", duration,
	)
}

// LogInterrupted logs an interruption notice.
func (l *Logger) LogInterrupted(kind, source string, active int) {
	l.sugar.Warnw("interrupted",
		"kind", kind,
		"source", source,
		"active_leases", active,
	)
}

// Close flushes any buffered log entries.
func (l *Logger) Close() error {
	return l.zap.Sync()
}
