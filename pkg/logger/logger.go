// Package logger builds the process-wide zap logger from engine
// configuration. Components derive their own loggers from the returned root
// via Named/With rather than constructing their own.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the verbosity, encoding and destination of log output.
type Config struct {
	// Level is the minimum level to emit: debug, info, warn or error.
	// Empty means info.
	Level string `yaml:"level"`
	// Format is "json" (the default) or "console".
	Format string `yaml:"format"`
	// OutputFile is a file path, or "stdout"/"stderr". Empty means stdout.
	OutputFile string `yaml:"output_file"`
}

// New constructs the root logger. Call it once at startup; an invalid level
// or an unwritable output file is a configuration error, not something to
// paper over at runtime.
func New(config Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if config.Level != "" {
		if err := level.UnmarshalText([]byte(config.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
		}
	}

	encoding := "json"
	if strings.EqualFold(config.Format, "console") {
		encoding = "console"
	}

	output := config.OutputFile
	switch strings.ToLower(output) {
	case "":
		output = "stdout"
	case "stdout", "stderr":
		output = strings.ToLower(output)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]interface{}{"service": "vajradb"},
	}
	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
