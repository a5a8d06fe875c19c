package config

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// ZapLevel converts the configured LogLevel to a zap level.
func (c *Config) ZapLevel() (zapcore.Level, error) {
	level, err := types.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel, err
	}
	switch level {
	case types.LevelTrace, types.LevelDebug:
		return zapcore.DebugLevel, nil
	case types.LevelWarning:
		return zapcore.WarnLevel, nil
	case types.LevelError:
		return zapcore.ErrorLevel, nil
	case types.LevelCritical:
		return zapcore.DPanicLevel, nil
	default:
		return zapcore.InfoLevel, nil
	}
}

// NewLogger builds the relay's diagnostic logger: JSON to stderr at the
// configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := c.ZapLevel()
	if err != nil {
		return nil, errors.Wrap(err, "log_level")
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger.Named("omnirelay"), nil
}
