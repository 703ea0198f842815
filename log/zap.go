package log

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const callerSkipFrames = 1

// Environment controls the baseline logger profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// ZapConfig contains all required logger initialization inputs.
type ZapConfig struct {
	Environment     Environment
	Level           string
	OTelLibraryName string
}

func (c ZapConfig) validate() error {
	if c.OTelLibraryName == "" {
		return fmt.Errorf("OTelLibraryName is required")
	}

	switch c.Environment {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentDevelopment, EnvironmentLocal:
		return nil
	default:
		return fmt.Errorf("invalid environment %q", c.Environment)
	}
}

// ZapLogger adapts a *zap.Logger to the Logger interface.
type ZapLogger struct {
	logger *zap.Logger
	level  zap.AtomicLevel
}

// NewZap creates a zap-backed structured logger with a runtime-adjustable level.
// Log output is JSON in every environment; development/local profiles default
// to debug verbosity. Entries are teed into an OTel bridge core so traces and
// logs share correlation.
func NewZap(cfg ZapConfig) (*ZapLogger, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid zap config: %w", err)
	}

	baseConfig := buildConfigByEnvironment(cfg.Environment)

	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, err
	}

	baseConfig.Level = level
	baseConfig.DisableStacktrace = true

	coreOptions := []zap.Option{
		zap.AddCallerSkip(callerSkipFrames),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(cfg.OTelLibraryName))
		}),
	}

	built, err := baseConfig.Build(coreOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &ZapLogger{logger: built, level: level}, nil
}

func resolveLevel(cfg ZapConfig) (zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.Level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(cfg.Level); err != nil {
			return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
		}

		return zap.NewAtomicLevelAt(parsed), nil
	}

	if cfg.Environment == EnvironmentDevelopment || cfg.Environment == EnvironmentLocal {
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}

	return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
}

func buildConfigByEnvironment(environment Environment) zap.Config {
	if environment == EnvironmentDevelopment || environment == EnvironmentLocal {
		cfg := zap.NewDevelopmentConfig()
		cfg.Encoding = "json"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

		return cfg
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	return cfg
}

// Log emits one structured entry at the given level.
func (l *ZapLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if l == nil || l.logger == nil {
		return
	}

	zapFields := toZapFields(fields)

	switch level {
	case LevelError:
		l.logger.Error(msg, zapFields...)
	case LevelWarn:
		l.logger.Warn(msg, zapFields...)
	case LevelInfo:
		l.logger.Info(msg, zapFields...)
	case LevelDebug:
		l.logger.Debug(msg, zapFields...)
	}
}

// With returns a child logger carrying the given fields on every entry.
//
//nolint:ireturn
func (l *ZapLogger) With(fields ...Field) Logger {
	if l == nil || l.logger == nil {
		return NewNop()
	}

	return &ZapLogger{logger: l.logger.With(toZapFields(fields)...), level: l.level}
}

// Enabled reports whether entries at the given level would be emitted.
func (l *ZapLogger) Enabled(level Level) bool {
	if l == nil || l.logger == nil {
		return false
	}

	return l.level.Enabled(toZapLevel(level))
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync(_ context.Context) error {
	if l == nil || l.logger == nil {
		return nil
	}

	return l.logger.Sync()
}

// SetLevel adjusts the verbosity ceiling at runtime.
func (l *ZapLogger) SetLevel(level Level) {
	if l == nil {
		return
	}

	l.level.SetLevel(toZapLevel(level))
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func toZapFields(fields []Field) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields))

	for _, f := range fields {
		if err, ok := f.Value.(error); ok && f.Key == "error" {
			zapFields = append(zapFields, zap.Error(err))
			continue
		}

		zapFields = append(zapFields, zap.Any(f.Key, f.Value))
	}

	return zapFields
}

var _ Logger = (*ZapLogger)(nil)
