// Package logging builds the zap logger used by the lend binaries.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes the logger.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level"`
	// Format is json or console.
	Format string `json:"format"`
	// Output is stdout, stderr or a file path.
	Output string `json:"output"`
	// Rotation applies to file output only.
	Rotation *RotationConfig `json:"rotation,omitempty"`
}

// RotationConfig sets lumberjack's rotation limits.
type RotationConfig struct {
	MaxSize    int  `json:"max_size"`    // megabytes
	MaxBackups int  `json:"max_backups"` // files
	MaxAge     int  `json:"max_age"`     // days
	Compress   bool `json:"compress"`
}

// DefaultConfig logs info and above as JSON on stdout.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Output: "stdout"}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Level)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("invalid log format: %s", c.Format)
	}
	if c.Output == "" {
		return fmt.Errorf("log output cannot be empty")
	}
	if r := c.Rotation; r != nil {
		if r.MaxSize < 0 || r.MaxBackups < 0 || r.MaxAge < 0 {
			return fmt.Errorf("rotation limits cannot be negative")
		}
	}
	return nil
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := zapcore.ParseLevel(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	ws, err := writer(cfg)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(enc, ws, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func writer(cfg Config) (zapcore.WriteSyncer, error) {
	switch cfg.Output {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if cfg.Rotation == nil {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		return zapcore.Lock(f), nil
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
	}), nil
}
