package config

import (
	"io"
	"log/slog"
	"os"

	"github.com/natefinch/lumberjack"
)

// NewLogger builds the process logger from the loaded configuration. When
// LogFile is set, output goes through a size-rotated file writer; otherwise it
// goes to stdout.
func NewLogger(cfg Config) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
	}

	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
