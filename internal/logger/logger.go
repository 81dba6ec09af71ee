package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level and encoding of the process logger.
type Config struct {
	Verbosity string `yaml:"verbosity"`
	// Encoding is "json" (default) or "console".
	Encoding string `yaml:"encoding"`
}

// New returns a production logger writing to stderr at the given level.
func New(verbosity string) (*zap.Logger, error) {
	return Build(Config{Verbosity: verbosity})
}

// Build returns a logger for cfg. Stdout is left to the benchmark results.
func Build(cfg Config) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.Verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	config.DisableStacktrace = !level.Enabled(zapcore.DebugLevel)

	if cfg.Encoding == "console" {
		config.Encoding = "console"
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	} else if cfg.Encoding != "" && cfg.Encoding != "json" {
		config.Encoding = cfg.Encoding
	}
	return config.Build()
}
