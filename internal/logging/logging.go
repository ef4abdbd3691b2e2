// Package logging builds the process logger and adapts it for pion.
package logging

import (
	"fmt"
	"strings"

	pionlog "github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mikeyg42/meetsession/internal/config"
)

// New returns the root logger for a binary. Library code never calls this;
// it receives a Named child instead.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "json":
		zc = zap.NewProductionConfig()
	case "", "console":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// pionFactory hands out scoped loggers backed by zap.
type pionFactory struct {
	base *zap.Logger
}

// NewPionFactory adapts logger to pion's LoggerFactory so the ICE agent
// writes through the same sink as the rest of the process.
func NewPionFactory(logger *zap.Logger) pionlog.LoggerFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &pionFactory{base: logger.Named("pion")}
}

func (f *pionFactory) NewLogger(scope string) pionlog.LeveledLogger {
	return &pionLogger{s: f.base.Named(scope).Sugar()}
}

// pionLogger maps pion's trace level onto zap debug.
type pionLogger struct {
	s *zap.SugaredLogger
}

func (l *pionLogger) Trace(msg string)                          { l.s.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.s.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.s.Info(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.s.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.s.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
