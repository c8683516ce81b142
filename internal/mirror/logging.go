package mirror

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig represents slog configuration options. When File is set the
// log is written there with size-based rotation instead of stderr.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`

	File       string `toml:"file"`
	MaxSize    int    `toml:"max-size"`
	MaxBackups int    `toml:"max-backups"`
	MaxAge     int    `toml:"max-age"`
}

// Apply configures the global slog logger based on the configuration.
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	output, err := logConfig.output()
	if err != nil {
		return err
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

func (logConfig *LogConfig) output() (io.Writer, error) {
	if logConfig.File == "" {
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(logConfig.File), 0o755); err != nil {
		return nil, errors.New("cannot create log directory: " + err.Error())
	}
	return &lumberjack.Logger{
		Filename:   logConfig.File,
		MaxSize:    logConfig.MaxSize,
		MaxBackups: logConfig.MaxBackups,
		MaxAge:     logConfig.MaxAge,
		LocalTime:  true,
	}, nil
}
