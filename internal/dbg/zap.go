package dbg

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger for the given mode. "dev" uses the
// console encoder at debug level, anything else the production JSON encoder.
func NewLogger(mode string) *zap.Logger {
	var cfg zap.Config
	if mode == "dev" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableCaller = true

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func NewDevLogger() *zap.Logger {
	return NewLogger("dev")
}

func NewProdLogger() *zap.Logger {
	return NewLogger("prod")
}
