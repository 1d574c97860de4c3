// Package logger provides structured logging for the userkey service.
//
// This package wraps Uber's zap logger. It initializes a global logger
// instance for use throughout the application.
//
//	logger.InitLogger("debug") // Options: debug, info, warn, error
//
//	logger.Log.Info("userkey redeemed",
//	    zap.String("user_id", userID),
//	    zap.String("ip", remoteAddr),
//	)
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is a no-op logger until InitLogger runs, so library code and tests can
// log unconditionally.
var Log = zap.NewNop()

func InitLogger(level string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	Log = l
}
