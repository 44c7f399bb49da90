package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a configured level name onto a zap level. An empty name
// selects info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch name := strings.ToLower(strings.TrimSpace(level)); name {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	default:
		parsed, err := zapcore.ParseLevel(name)
		if err != nil {
			return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
		}
		return parsed, nil
	}
}

// NewLogger returns a zap logger configured for structured production
// logging, tagged with the node's device name.
func NewLogger(level, deviceName string) (*zap.Logger, error) {
	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if deviceName != "" {
		logger = logger.With(zap.String("device", deviceName))
	}
	return logger.Named("peerchat"), nil
}
