// Package logging builds the process logger and the censor used to keep user
// text out of logs.
package logging

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the log sinks.
type Config struct {
	Level string
	// File enables a rotating JSON log next to the console output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger writing to stderr and, when cfg.File is set, to a
// rotating file. The returned level can be changed at runtime.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, level, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	consoleConfig := encoderConfig
	consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stderr), level),
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			zapcore.AddSync(rotator),
			level,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, level, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Censor hides user content in logs while enabled. The zero value logs
// everything.
type Censor struct {
	enabled atomic.Bool
}

// NewCensor creates a censor, redacting when enabled.
func NewCensor(enabled bool) *Censor {
	c := &Censor{}
	c.enabled.Store(enabled)
	return c
}

// SetEnabled toggles redaction at runtime.
func (c *Censor) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Enabled reports whether sensitive text is redacted.
func (c *Censor) Enabled() bool {
	return c != nil && c.enabled.Load()
}

// String returns a zap field for key holding value, or a length marker when
// censoring is on.
func (c *Censor) String(key, value string) zap.Field {
	if c.Enabled() {
		return zap.String(key, fmt.Sprintf("<censored %d chars>", len(value)))
	}
	return zap.String(key, value)
}
